package scenario

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Scenario is one named exchange driven through a Fixture. Run returns
// once every response has been read, or with the first mismatch.
type Scenario struct {
	Name string
	Run  func(ctx context.Context, f *Fixture) error
}

// SimpleGetRequest sends one GET to the origin.
var SimpleGetRequest = Scenario{
	Name: "SimpleGetRequest",
	Run: func(ctx context.Context, f *Fixture) error {
		return f.expect(ctx, http.MethodGet, f.OriginURL(), "", f.originStatus(), "GET ")
	},
}

// SimplePostRequest sends three POSTs to the origin, one after another.
var SimplePostRequest = Scenario{
	Name: "SimplePostRequest",
	Run: func(ctx context.Context, f *Fixture) error {
		for i := range 3 {
			body := fmt.Sprintf("post %d", i)
			if err := f.expect(ctx, http.MethodPost, f.OriginURL(), body, f.originStatus(), "POST "+body); err != nil {
				return err
			}
		}
		return nil
	},
}

// ProxyWithBadAddress asks for a loopback port nothing listens on.
var ProxyWithBadAddress = Scenario{
	Name: "ProxyWithBadAddress",
	Run: func(ctx context.Context, f *Fixture) error {
		addr, err := closedAddress(ctx)
		if err != nil {
			return err
		}
		return f.expect(ctx, http.MethodGet, "http://"+addr+"/", "", http.StatusBadGateway, "")
	},
}

// Base returns the base scenarios in the order they are run.
func Base() []Scenario {
	return []Scenario{SimpleGetRequest, SimplePostRequest, ProxyWithBadAddress}
}

// originStatus is the status a request for the origin should get.
func (f *Fixture) originStatus() int {
	if f.Flags.ExpectBadGatewayForEverything {
		return http.StatusBadGateway
	}
	return http.StatusOK
}

// expect sends one request and checks its status, and its body when the
// origin answered.
func (f *Fixture) expect(ctx context.Context, method, target, body string, wantStatus int, wantBody string) error {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	if body != "" {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, target, err)
	}
	f.log.Debug("scenario response",
		zap.String("method", method), zap.String("target", target), zap.Int("status", resp.StatusCode))

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("%s %s: got status %d, want %d", method, target, resp.StatusCode, wantStatus)
	}
	if wantStatus == http.StatusOK && string(got) != wantBody {
		return fmt.Errorf("%s %s: got body %q, want %q", method, target, got, wantBody)
	}
	return nil
}

// closedAddress returns a loopback address nothing is listening on.
func closedAddress(ctx context.Context) (string, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	return addr, ln.Close()
}
