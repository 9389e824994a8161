// testserver runs an in-memory TopChef API for local end-to-end runs.
// Usage: go run ./cmd/testserver
//
// A demo "adder" service is created at startup and its id is logged, so a
// worker can bind to it straight away:
//
//	TOPCHEF_SERVER_SERVICE_ID=<id> go run ./cmd/topchef-worker run
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/topchef/internal/topchef/topcheftest"
)

const adderSchema = `{
	"type": "object",
	"required": ["value"],
	"properties": {"value": {"type": "integer", "minimum": 0, "maximum": 10}}
}`

func main() {
	addr := ":5000"
	if v := os.Getenv("TOPCHEF_TESTSERVER_ADDR"); v != "" {
		addr = v
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	fake := topcheftest.New(logger)

	serviceID := fake.AddService("adder", json.RawMessage(adderSchema), nil)
	for _, params := range []string{`{"value":1}`, `{"value":5}`, `{"value":11}`} {
		fake.AddJob(serviceID, json.RawMessage(params))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           fake,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("testserver: starting", "addr", addr, "service_id", serviceID)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
