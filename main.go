// Command scribe runs the collaborative document service: the websocket
// editing fabric, the REST surface, and the two-tier persistence behind
// them.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"scribe.evalgo.org/api"
	"scribe.evalgo.org/auth"
	"scribe.evalgo.org/cache"
	"scribe.evalgo.org/common"
	"scribe.evalgo.org/config"
	"scribe.evalgo.org/engine"
	"scribe.evalgo.org/session"
	"scribe.evalgo.org/store"
	"scribe.evalgo.org/ws"
)

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgFile)
	if err != nil {
		common.Logger.WithError(err).Fatal("configuration failed")
	}
	common.Configure(cfg.Logging.Level, cfg.Logging.Format)
	log := common.ComponentLogger("main")

	// The durable store is the source of truth; not reaching it at
	// startup is fatal.
	st, err := store.Open(cfg.DurableStore.URL, cfg.DurableStore.MaxOpenConns, cfg.DurableStore.MaxIdleConns)
	if err != nil {
		log.WithError(err).Fatal("durable store unreachable")
	}
	defer st.Close()

	hot, err := cache.New(cfg.HotTier.URL, cfg.HotTier.OpTimeout)
	if err != nil {
		log.WithError(err).Fatal("hot tier unreachable")
	}
	defer hot.Close()

	eng := engine.New(hot, st, cfg.Service.Version)
	if err := eng.Startup(context.Background()); err != nil {
		log.WithError(err).Fatal("startup rehydration failed")
	}

	registry := session.NewRegistry()
	tokens := auth.NewTokenService(cfg.Security.TokenSecret, cfg.Security.TokenExpiration)
	google := auth.NewGoogleAuthenticator(cfg.Security.GoogleClientID, cfg.Security.GoogleClientSecret)
	wsHandler := ws.NewHandler(registry, eng, st, tokens, cfg.Server.AllowedOrigins)

	srv := api.NewServer(cfg, st, tokens, google, wsHandler)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Order matters: announce shutdown to clients, flush open documents,
	// then stop the listener.
	openDocs := registry.OpenDocs()
	wsHandler.CloseAll()
	eng.Shutdown(ctx, openDocs)
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	log.Info("shutdown complete")
}
