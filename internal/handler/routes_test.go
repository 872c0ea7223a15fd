package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"masquerade-proxy-go/internal/config"
	"masquerade-proxy-go/internal/model"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`ok`))
	}))
	defer origin.Close()

	proxy := newTestHandler(t, 10)
	health := NewHealthHandler(&config.Config{}, "test")

	e := echo.New()
	RegisterRoutes(e, proxy, health)

	q := wireQuery(t, &model.RequestEnvelope{Target: origin.URL, Method: http.MethodGet})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /relay/status", http.MethodGet, "/relay/status", http.StatusOK},
		{"GET /proxy", http.MethodGet, "/proxy?" + q, http.StatusOK},
		{"POST /proxy without form still answers", http.MethodPost, "/proxy", http.StatusOK},
		{"PUT /proxy not allowed", http.MethodPut, "/proxy", http.StatusMethodNotAllowed},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
