// Package ssh holds the SSH pieces of a chained-proxy hop: client
// authentication and host key checking for the dialer side, and a
// direct-tcpip server for proxies that accept tunnels over SSH.
package ssh
