// Command topchef-guest is the agent that runs inside a microVM. It listens
// on vsock for job requests from the host worker, runs each through a local
// command, and streams logs and the result back.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o topchef-guest ./cmd/topchef-guest
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/vsock"
	"github.com/spf13/pflag"

	"github.com/seantiz/topchef/internal/config"
	"github.com/seantiz/topchef/internal/executor"
	"github.com/seantiz/topchef/internal/guest"
)

func main() {
	fs := pflag.NewFlagSet("topchef-guest", pflag.ExitOnError)
	port := fs.Uint32("port", executor.DefaultGuestPort, "vsock port to listen on")
	command := fs.String("command", os.Getenv("TOPCHEF_GUEST_COMMAND"), "command run for each job")
	dir := fs.String("dir", "", "working directory of the command")
	maxTimeout := fs.Duration("max-timeout", 0, "upper bound on any job's run time")
	level := fs.String("log-level", "info", "debug, info, warn or error")
	_ = fs.Parse(os.Args[1:])

	logger, _ := config.LogConfig{Level: *level, Format: "json"}.Logger(os.Stderr)
	guest.SetupInit(logger)

	proc, err := executor.NewProcess(*command)
	if err != nil {
		log.Fatalf("topchef-guest: %v", err)
	}
	proc.Dir = *dir

	l, err := vsock.Listen(*port, nil)
	if err != nil {
		log.Fatalf("vsock listen on port %d: %v", *port, err)
	}
	defer l.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("topchef-guest listening", "port", *port, "command", proc.Command)

	agent := guest.New(l, proc, guest.WithLogger(logger), guest.WithMaxTimeout(*maxTimeout))
	if err := agent.Serve(ctx); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
