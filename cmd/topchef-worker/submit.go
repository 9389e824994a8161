package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seantiz/topchef/internal/schema"
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a job on the service",
		Long: `Queue a job on the bound service and print its id.

Parameters are checked against the service's registration schema before
anything is sent.

Examples:
  topchef-worker submit --parameters '{"value": 5}'
  topchef-worker submit --parameters @params.json`,
		Args: cobra.NoArgs,
		RunE: runSubmit,
	}
	cmd.Flags().String("parameters", "", "job parameters as JSON, or @FILE")
	_ = cmd.MarkFlagRequired("parameters")
	return cmd
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	arg, _ := cmd.Flags().GetString("parameters")
	params, err := readParameters(arg)
	if err != nil {
		return err
	}

	serviceID, err := e.serviceID()
	if err != nil {
		return err
	}
	client, err := e.client("")
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	svc, err := client.Lookup(ctx, serviceID)
	if err != nil {
		return err
	}

	jobID, err := svc.NewJob(ctx, params)
	if errors.Is(err, schema.ErrValidationFailed) {
		return fmt.Errorf("parameters rejected: %w", err)
	}
	if err != nil {
		return err
	}
	e.logger.Info("job submitted", "service_id", serviceID, "job_id", jobID)
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), jobID)
	return nil
}

// readParameters accepts inline JSON or @path.
func readParameters(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read parameters: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, errors.New("parameters are not valid JSON")
	}
	return json.RawMessage(data), nil
}
