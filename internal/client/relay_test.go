package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"masquerade-proxy-go/internal/config"
	"masquerade-proxy-go/internal/envelope"
	"masquerade-proxy-go/internal/model"
)

func newTestRelayClient(t *testing.T, relayURL string, maxQuery int) *RelayClient {
	t.Helper()
	cfg := testOutboundConfig()
	cfg.Ingress = config.IngressConfig{RelayURL: relayURL, MaxQueryBytes: maxQuery}
	rc, err := NewRelayClient(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewRelayClient() error = %v", err)
	}
	return rc
}

type methodLog struct {
	mu      sync.Mutex
	methods []string
}

func (l *methodLog) add(m string) {
	l.mu.Lock()
	l.methods = append(l.methods, m)
	l.mu.Unlock()
}

func (l *methodLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.methods...)
}

// echoRelay answers every envelope with its own decoded body and records
// the transport method.
func echoRelay(t *testing.T, log *methodLog) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy" {
			t.Errorf("path = %q, want /proxy", r.URL.Path)
		}
		log.add(r.Method)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		env, _, err := envelope.DecodeRequest(r.Form)
		if err != nil {
			t.Errorf("DecodeRequest: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(envelope.EncodeResponse(&model.ResponseEnvelope{
			Status: http.StatusOK,
			Header: map[string]string{"X-Target": env.Target},
			Body:   env.Body,
		}))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRelayClient_RoundTrip_GETAndPOST(t *testing.T) {
	var log methodLog
	srv := echoRelay(t, &log)
	rc := newTestRelayClient(t, srv.URL+"/", 1024)

	small := &model.RequestEnvelope{Target: "http://example.com/", Method: "POST", Header: map[string]string{}, Body: []byte("small")}
	large := &model.RequestEnvelope{Target: "http://example.com/", Method: "POST", Header: map[string]string{}, Body: []byte(strings.Repeat("x", 4096))}

	for _, env := range []*model.RequestEnvelope{small, large} {
		resp, err := rc.RoundTrip(context.Background(), env)
		if err != nil {
			t.Fatalf("RoundTrip() error = %v", err)
		}
		if string(resp.Body) != string(env.Body) {
			t.Errorf("body = %q, want %q", resp.Body, env.Body)
		}
		if resp.Header["X-Target"] != env.Target {
			t.Errorf("X-Target = %q, want %q", resp.Header["X-Target"], env.Target)
		}
	}

	methods := log.get()
	if len(methods) != 2 || methods[0] != http.MethodGet || methods[1] != http.MethodPost {
		t.Errorf("transport methods = %v, want [GET POST]", methods)
	}
}

func TestRelayClient_RoundTrip_Unavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-200",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "down", http.StatusServiceUnavailable)
			},
		},
		{
			name: "not JSON",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("<html>"))
			},
		},
		{
			name: "invalid status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"status":42,"headers":{},"body":""}`))
			},
		},
		{
			name: "body not base64",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"status":200,"headers":{},"body":"%%%"}`))
			},
		},
	}

	env := &model.RequestEnvelope{Target: "http://example.com/", Method: "GET", Header: map[string]string{}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newTestRelayClient(t, srv.URL, 8192).RoundTrip(context.Background(), env)
			if !errors.Is(err, ErrRelayUnavailable) {
				t.Errorf("RoundTrip() error = %v, want ErrRelayUnavailable", err)
			}
		})
	}

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()

		_, err := newTestRelayClient(t, addr, 8192).RoundTrip(context.Background(), env)
		if !errors.Is(err, ErrRelayUnavailable) {
			t.Errorf("RoundTrip() error = %v, want ErrRelayUnavailable", err)
		}
	})
}

func TestRelayClient_RelayReportedStatusIsNotAFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":504,"headers":{"Content-Type":"text/plain"},"body":"dGltZW91dA=="}`))
	}))
	defer srv.Close()

	resp, err := newTestRelayClient(t, srv.URL, 8192).RoundTrip(context.Background(),
		&model.RequestEnvelope{Target: "http://example.com/", Method: "GET", Header: map[string]string{}})
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if resp.Status != http.StatusGatewayTimeout || string(resp.Body) != "timeout" {
		t.Errorf("resp = %d %q, want 504 timeout", resp.Status, resp.Body)
	}
}

func TestNewRelayClient_Endpoint(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:3030", "http://127.0.0.1:3030/proxy"},
		{"http://127.0.0.1:3030/", "http://127.0.0.1:3030/proxy"},
		{"https://relay.example/base?x=1", "https://relay.example/base/proxy"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			rc := newTestRelayClient(t, tt.base, 8192)
			if rc.endpoint != tt.want {
				t.Errorf("endpoint = %q, want %q", rc.endpoint, tt.want)
			}
		})
	}

	if _, err := NewRelayClient(&config.Config{Ingress: config.IngressConfig{RelayURL: "://bad"}}, discardLogger(), nil); err == nil {
		t.Error("expected error for unparsable relay_url")
	}
}
