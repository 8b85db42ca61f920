package infra

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHTTPServerServeAndShutdown(t *testing.T) {
	var logs bytes.Buffer
	cfg := &Config{Port: "0", HTTPReadTimeout: time.Second, HTTPWriteTimeout: time.Second, HTTPIdleTimeout: time.Second}
	srv := NewHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}), zerolog.New(&logs))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/v1/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("body = %q, want ok", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() after shutdown = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestHTTPServerErrorLogUsesZerolog(t *testing.T) {
	var logs bytes.Buffer
	srv := NewHTTPServer(&Config{Port: "0"}, http.NotFoundHandler(), zerolog.New(&logs))
	srv.server.ErrorLog.Print("http: TLS handshake error")
	if !strings.Contains(logs.String(), `"component":"http"`) || !strings.Contains(logs.String(), "TLS handshake error") {
		t.Fatalf("log output = %q", logs.String())
	}
}
