package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSchemasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schemas",
		Short: "Print the service's job schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			serviceID, err := e.serviceID()
			if err != nil {
				return err
			}
			client, err := e.client("")
			if err != nil {
				return err
			}
			svc, err := client.Lookup(cmd.Context(), serviceID)
			if err != nil {
				return err
			}
			input, output, err := svc.Schemas(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]json.RawMessage{
				"job_registration_schema": input,
				"job_result_schema":       output,
			})
		},
	}
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the TopChef server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			client, err := e.client("")
			if err != nil {
				return err
			}
			if !client.Ping(cmd.Context()) {
				return fmt.Errorf("server at %s is not reachable", client.Address())
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s ok\n", client.Address())
			return nil
		},
	}
}
