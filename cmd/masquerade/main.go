package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"masquerade-proxy-go/internal/client"
	"masquerade-proxy-go/internal/config"
	"masquerade-proxy-go/internal/handler"
	"masquerade-proxy-go/internal/ingress"
	"masquerade-proxy-go/internal/metrics"
	"masquerade-proxy-go/internal/middleware"
	"masquerade-proxy-go/internal/service"
	"masquerade-proxy-go/internal/tunnel"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("masquerade"),
		kong.Description("Two-hop HTTP forwarding relay."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	common := fx.Options(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
		),
		fx.Invoke(warnConfigPermissions),
	)

	var app *fx.App
	switch kctx.Command() {
	case "ingress":
		app = fx.New(common, ingressModule)
	case "relay":
		app = fx.New(common, relayModule)
	default:
		kctx.Fatalf("unknown command %q", kctx.Command())
	}
	app.Run()
}

var relayModule = fx.Options(
	fx.Provide(
		newEcho,
		client.NewOriginClient,
		service.NewRelayService,
		handler.NewProxyHandler,
		handler.NewHealthHandler,
	),
	fx.Invoke(handler.RegisterRoutes, registerMetricsRoute, startRelay),
)

var ingressModule = fx.Options(
	fx.Provide(
		newDialer,
		newBridge,
		client.NewRelayClient,
		newIngressServer,
	),
	fx.Invoke(startIngress, startIngressMetrics),
)

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// Envelope responses are produced only after the outbound call finishes,
	// so the write window must cover the outbound timeout.
	e.Server.WriteTimeout = cfg.Outbound.Timeout() + 10*time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Relay.BodyMaxBytes)))
	e.Use(middleware.EnvelopeHeaders())
	e.Use(echomw.Gzip())

	if cfg.Relay.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Relay.RateLimit.RequestsPerSecond, logger))
		logger.Info("rate limiter enabled", "rps", cfg.Relay.RateLimit.RequestsPerSecond)
	}

	return e
}

func registerMetricsRoute(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startRelay(lc fx.Lifecycle, e *echo.Echo, origin *client.OriginClient, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Relay.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting relay", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("relay server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down relay")
			defer origin.CloseIdleConnections()
			return e.Shutdown(ctx)
		},
	})
}

func newDialer(cfg *config.Config) (tunnel.Dialer, error) {
	return tunnel.NewDialer(cfg.Ingress.Upstream, cfg.Ingress.ConnectTimeout())
}

func newBridge(d tunnel.Dialer, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *tunnel.Bridge {
	return tunnel.NewBridge(d, cfg.Ingress.ConnectTimeout(), logger, m)
}

func newIngressServer(cfg *config.Config, rc *client.RelayClient, b *tunnel.Bridge, logger *slog.Logger, m *metrics.Metrics) *ingress.Server {
	return ingress.NewServer(cfg, rc, b, logger, m)
}

func startIngress(lc fx.Lifecycle, srv *ingress.Server, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Ingress.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting ingress",
				"addr", addr,
				"relay_url", cfg.Ingress.RelayURL,
				"upstream", cfg.Ingress.Upstream,
			)
			go func() {
				if err := srv.Serve(ln); err != nil {
					logger.Error("ingress server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down ingress")
			return srv.Shutdown(ctx)
		},
	})
}

// startIngressMetrics serves health and metrics for the ingress on a separate
// address, since the ingress port speaks raw HTTP only.
func startIngressMetrics(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, v handler.Version, logger *slog.Logger) {
	if !cfg.Metrics.Enabled || cfg.Ingress.MetricsAddr == "" {
		return
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	health := handler.NewHealthHandler(cfg, v)
	e.GET("/healthz", health.Healthz)
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", cfg.Ingress.MetricsAddr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", cfg.Ingress.MetricsAddr, err)
			}
			logger.Info("starting ingress metrics listener", "addr", cfg.Ingress.MetricsAddr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}
