// Package proxy implements the proxy instances a chain is built from.
//
// A Bootstrap describes an instance; Start binds its listener and serves
// the protocol its transport names: an HTTP forward proxy (CONNECT and
// absolute-URI requests) over TCP or TLS, SOCKS5 CONNECT, or SSH
// direct-tcpip channels. Every flow consults the instance's chain.Selector
// once and reports its progress to the installed activity trackers.
package proxy
