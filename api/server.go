// Package api exposes the HTTP surface: the OAuth exchange endpoint, the
// websocket upgrade route, a small JWT-protected REST group, and health.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"scribe.evalgo.org/auth"
	"scribe.evalgo.org/common"
	"scribe.evalgo.org/config"
	"scribe.evalgo.org/store"
	"scribe.evalgo.org/ws"
)

// Server hosts the echo instance and its route dependencies.
type Server struct {
	echo   *echo.Echo
	cfg    *config.Config
	store  *store.Store
	tokens *auth.TokenService
	google *auth.GoogleAuthenticator
	ws     *ws.Handler
	log    *logrus.Entry
}

// NewServer builds the HTTP server and registers all routes.
func NewServer(cfg *config.Config, st *store.Store, tokens *auth.TokenService, google *auth.GoogleAuthenticator, wsHandler *ws.Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: `{"time":"${time_rfc3339}","id":"${id}","method":"${method}","uri":"${uri}","status":${status},"latency":"${latency_human}"}` + "\n",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	if cfg.Server.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit))))
	}

	s := &Server{
		echo:   e,
		cfg:    cfg,
		store:  st,
		tokens: tokens,
		google: google,
		ws:     wsHandler,
		log:    common.ComponentLogger("api"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/auth/google", s.handleGoogleAuth)
	if s.ws != nil {
		s.echo.GET("/ws", s.ws.ServeWS)
	}

	api := s.echo.Group("/api")
	api.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey: s.tokens.Secret(),
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return &auth.Claims{}
		},
		// A missing header and a bad token read the same from outside.
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
		},
	}))
	api.GET("/me", s.handleMe)
	api.GET("/channels", s.handleChannels)
}

// Echo exposes the instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start listens on the configured address and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.log.WithField("addr", addr).Info("http server listening")
	return s.echo.Start(addr)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
