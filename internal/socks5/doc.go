// Package socks5 provides the SOCKS5 handshake shared by the SOCKS5 proxy
// listener and the SOCKS5 chained-proxy dialer.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 and
// splits the client side into negotiate, request and reply steps so callers
// can observe the moment a CONNECT request reached the proxy.
package socks5
