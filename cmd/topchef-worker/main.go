// Command topchef-worker binds to a TopChef service, heartbeats, and runs the
// jobs queued for it.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/topchef/internal/config"
	"github.com/seantiz/topchef/internal/topchef"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "topchef-worker",
		Short:         "Run jobs from a TopChef service",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "path to a YAML config file")
	pf.String("address", "", "TopChef server URL")
	pf.String("service-id", "", "service to bind to")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-format", "", "json or text")

	root.AddCommand(
		newRunCmd(),
		newRegisterCmd(),
		newSubmitCmd(),
		newSchemasCmd(),
		newPingCmd(),
	)
	return root
}

// env bundles what every subcommand needs once flags are parsed.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

func (e *env) Close() error { return e.closer.Close() }

func setup(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger, closer := cfg.Log.Logger(cmd.ErrOrStderr())
	return &env{cfg: cfg, logger: logger, closer: closer}, nil
}

func (e *env) client(instanceID string) (*topchef.Client, error) {
	opts := []topchef.Option{
		topchef.WithTimeout(e.cfg.Server.Timeout),
		topchef.WithRateLimit(e.cfg.Server.RequestsPerSecond),
		topchef.WithLogger(e.logger),
	}
	if instanceID != "" {
		opts = append(opts, topchef.WithInstanceID(instanceID))
	}
	if e.cfg.Server.LegacyStatuses {
		opts = append(opts, topchef.WithLegacyStatuses())
	}
	return topchef.New(e.cfg.Server.Address, opts...)
}

func (e *env) serviceID() (string, error) {
	if e.cfg.Server.ServiceID == "" {
		return "", fmt.Errorf("no service id: set --service-id, server.service_id or %s_SERVER_SERVICE_ID", config.EnvPrefix)
	}
	return e.cfg.Server.ServiceID, nil
}
