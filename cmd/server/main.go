package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"turnroom/internal/config"
	"turnroom/internal/engine"
	"turnroom/internal/logging"
	"turnroom/internal/net/httpapi"
	"turnroom/internal/net/ws"
)

func main() {
	var addr string
	var logFile string
	flag.StringVar(&addr, "addr", ":8080", "listen address, e.g. :8080")
	flag.StringVar(&logFile, "log", "turnroom.log", "log file path (empty for console)")
	flag.Parse()

	logger, err := logging.New(logFile)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.FromEnv()
	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Fatalf("init engine: %v", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.New(eng, logger))
	mux.Handle("/", httpapi.New(eng, logger))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("turnroom listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("shutdown: %v", err)
	}
}
