// Package dialer provides the outbound dialers a proxy instance uses to
// reach the next hop.
//
// Dialers implement a small interface (DialContext) and connect either
// directly or through a chained proxy over one of the chain transports
// (HTTP CONNECT over TCP or TLS, SOCKS5, or SSH).
package dialer
