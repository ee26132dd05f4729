package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/config"
	"github.com/cortex-x/go-eid-card-service/internal/infra/websocket"
	"github.com/effective-security/xlog"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	echo    *echo.Echo
	config  *config.Config
	hub     *websocket.Hub
	handler *Handler
}

func NewServer(cfg *config.Config, hub *websocket.Hub, handler *Handler, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.KV(xlog.DEBUG, "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	origins := handler.opts.AllowOrigins
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			return origins.Allowed(origin), nil
		},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderContentType},
	}))

	e.GET("/health", handler.HealthCheck)
	e.GET("/ws", handler.WebSocketHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	g := e.Group("/api", origins.Guard())
	g.GET("/card", handler.GetCard)
	g.POST("/sign/idcard", handler.SignIDCard)
	g.POST("/sign/mobileid", handler.SignMobileID)
	g.POST("/decrypt", handler.Decrypt)
	g.POST("/pin/change", handler.ChangePin)
	g.POST("/pin/unblock", handler.UnblockPin)

	return &Server{
		echo:    e,
		config:  cfg,
		hub:     hub,
		handler: handler,
	}
}

// Start serves until Shutdown; it returns nil on graceful shutdown
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(s.config.Server.Port))
	logger.KV(xlog.INFO, "status", "listening", "addr", addr)

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP serves a single request, used by tests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
