package socks5

import (
	"errors"
	"fmt"
	"io"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// ServerNegotiate reads the client's method offer and completes the method
// auth requires: username/password when auth has a username, otherwise
// no-auth.
func ServerNegotiate(conn io.ReadWriter, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if auth.Username != "" {
		if !slices.Contains(neg.Methods, txsocks5.MethodUsernamePassword) {
			writeNoAcceptableMethods(conn)
			return errors.New("client does not support username/password")
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(conn); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}

		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
			return ErrAuth
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		return nil
	}

	if !slices.Contains(neg.Methods, txsocks5.MethodNone) {
		writeNoAcceptableMethods(conn)
		return errors.New("client does not support no-auth")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ServerReadRequest reads the client's command request.
func ServerReadRequest(conn io.Reader) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}
