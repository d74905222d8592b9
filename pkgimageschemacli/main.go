// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/alecthomas/kong"
	"github.com/gjolly/proposed-package-testing/pkgimageapi"
	"github.com/invopop/jsonschema"
)

type SchemaCmd struct {
	Output string `name:"output" short:"o" help:"Path to the output JSON schema file." required:""`
}

func main() {
	cli := &SchemaCmd{}

	_ = kong.Parse(cli,
		kong.Name("pkgimageschemacli"),
		kong.Description("A CLI tool to generate JSON schema for the pkgimage config file."),
		kong.UsageOnError())

	if err := generateJSONSchema(cli.Output); err != nil {
		log.Fatalf("Error: %v", err)
	}

	fmt.Printf("JSON schema has been written to %s\n", cli.Output)
}

func generateJSONSchema(outputFile string) error {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
	}

	schema := reflector.Reflect(&pkgimageapi.Config{})
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	if err := os.WriteFile(outputFile, schemaJSON, 0o644); err != nil {
		return fmt.Errorf("failed to write schema to file: %w", err)
	}

	return nil
}
