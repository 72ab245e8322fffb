// Package chain describes chained proxies: the upstream hops a proxy
// instance may forward a request through.
//
// A [ChainedProxy] names one candidate hop and the [TransportProtocol] used
// to reach it. A [Selector] returns the candidates for a request in priority
// order; an empty result means the request is served directly.
package chain
