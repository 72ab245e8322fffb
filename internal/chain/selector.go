package chain

import "net/http"

// Selector chooses the chained proxies for a request.
//
// LookupChainedProxies is called once per inbound request and returns the
// candidates in priority order. Only the first candidate is used; an empty
// result means the request is served directly. Implementations must be safe
// for concurrent use.
type Selector interface {
	LookupChainedProxies(r *http.Request) []ChainedProxy
}

// SelectorFunc adapts an ordinary function to a Selector.
type SelectorFunc func(r *http.Request) []ChainedProxy

// LookupChainedProxies calls f(r).
func (f SelectorFunc) LookupChainedProxies(r *http.Request) []ChainedProxy {
	return f(r)
}

// Direct never chains.
var Direct Selector = SelectorFunc(func(*http.Request) []ChainedProxy { return nil })

// Fixed returns a Selector that always chains through cp.
func Fixed(cp ChainedProxy) Selector {
	return SelectorFunc(func(*http.Request) []ChainedProxy {
		return []ChainedProxy{cp}
	})
}

// First returns the first candidate s selects for r, if any. A nil s
// selects nothing.
func First(s Selector, r *http.Request) (ChainedProxy, bool) {
	if s == nil {
		return ChainedProxy{}, false
	}
	cps := s.LookupChainedProxies(r)
	if len(cps) == 0 {
		return ChainedProxy{}, false
	}
	return cps[0], true
}
