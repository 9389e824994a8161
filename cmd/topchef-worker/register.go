package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/topchef/internal/model"
	"github.com/seantiz/topchef/internal/schema"
)

func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a new service and print its id",
		Long: `Create a new service on the TopChef server.

Schema files may be JSON or YAML. The result schema defaults to {"type":"object"}.

Examples:
  topchef-worker register --name adder --input-schema input.yaml`,
		Args: cobra.NoArgs,
		RunE: runRegister,
	}
	f := cmd.Flags()
	f.String("name", "", "service name")
	f.String("description", "", "service description")
	f.String("input-schema", "", "job registration schema file")
	f.String("output-schema", "", "job result schema file")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("input-schema")
	return cmd
}

func runRegister(cmd *cobra.Command, _ []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	name, _ := cmd.Flags().GetString("name")
	description, _ := cmd.Flags().GetString("description")
	inputPath, _ := cmd.Flags().GetString("input-schema")
	outputPath, _ := cmd.Flags().GetString("output-schema")

	input, err := readSchemaFile(inputPath)
	if err != nil {
		return err
	}
	output := schema.DefaultResultSchema
	if outputPath != "" {
		if output, err = readSchemaFile(outputPath); err != nil {
			return err
		}
	}

	client, err := e.client("")
	if err != nil {
		return err
	}
	svc, err := client.Register(cmd.Context(), model.ServiceRegistration{
		Name:                  name,
		Description:           description,
		JobRegistrationSchema: input,
		JobResultSchema:       output,
	})
	if err != nil {
		return err
	}

	e.logger.Info("service registered", "service_id", svc.ID(), "name", name)
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), svc.ID())
	return nil
}

// readSchemaFile loads a JSON or YAML schema and checks that it compiles.
func readSchemaFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}

	raw := json.RawMessage(data)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", path, err)
		}
		if raw, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("convert schema %s: %w", path, err)
		}
	}

	if _, err := schema.Compile(raw); err != nil {
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}
	return raw, nil
}
