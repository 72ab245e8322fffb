package ssh

import (
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestClientConfigValidate(t *testing.T) {
	t.Parallel()

	signer := mustGenerateKey(t)

	tests := []struct {
		name    string
		config  ClientConfig
		wantErr string
	}{
		{name: "password", config: ClientConfig{Username: "user", Password: "pass"}},
		{name: "key", config: ClientConfig{Username: "user", Signers: []ssh.Signer{signer}}},
		{name: "missing username", config: ClientConfig{Password: "pass"}, wantErr: "missing username"},
		{name: "missing auth method", config: ClientConfig{Username: "user"}, wantErr: "missing password or key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestAuthMethodsOrder(t *testing.T) {
	cfg := ClientConfig{Username: "user", Password: "pass", Signers: []ssh.Signer{mustGenerateKey(t)}}
	if got := len(cfg.authMethods()); got != 2 {
		t.Fatalf("expected 2 auth methods, got %d", got)
	}
}
