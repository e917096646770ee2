package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/i2y/mcpgate/internal/usecase"
)

var importFlags struct {
	source  string
	headers []string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Inspect and maintain stored servers",
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print stored server configurations as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := openPersistentCore(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		cfgs, err := c.repo.ListServers(cmd.Context())
		if err != nil {
			return err
		}
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(cfgs)
	},
}

var serverImportCmd = &cobra.Command{
	Use:   "import-openapi SERVER_ID",
	Short: "Replace a server's declared tools with the operations of an OpenAPI document",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerImport,
}

func init() {
	serverImportCmd.Flags().StringVar(&importFlags.source, "source", "", "document URL, file or github:// path (default: the server's openapi_source)")
	serverImportCmd.Flags().StringArrayVarP(&importFlags.headers, "header", "H", nil, "request header as Name: value, repeatable")
	serverCmd.AddCommand(serverListCmd, serverImportCmd)
}

func runServerImport(cmd *cobra.Command, args []string) error {
	headers, err := parseHeaders(importFlags.headers)
	if err != nil {
		return err
	}
	c, err := openPersistentCore(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	// No registry runs here; a serving gateway picks the tools up on restart
	// or through its sync endpoint.
	syncUC := newSchemaSync(c, &http.Client{Timeout: c.cfg.HTTPClientTimeout}, nil)
	defs, err := syncUC.Execute(cmd.Context(), args[0], usecase.SchemaSourceConfig{URL: importFlags.source, Headers: headers})
	if err != nil {
		return err
	}
	for _, d := range defs {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s %s\n", d.Name, d.Endpoint.Method, d.Endpoint.Path)
	}
	return nil
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q: want Name: value", h)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out, nil
}
