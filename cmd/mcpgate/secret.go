package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/i2y/mcpgate/internal/vault"
)

var secretFlags struct {
	owner       string
	name        string
	environment string
	value       string
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage encrypted secrets",
}

var secretCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Encrypt and store a secret; pass --value - to read it from stdin",
	RunE:  runSecretCreate,
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the secrets of an owner (values stay encrypted)",
	RunE:  runSecretList,
}

func init() {
	f := secretCreateCmd.Flags()
	f.StringVar(&secretFlags.owner, "owner", "", "owning user")
	f.StringVar(&secretFlags.name, "name", "", "secret name")
	f.StringVar(&secretFlags.environment, "env", "", "environment label")
	f.StringVar(&secretFlags.value, "value", "-", "secret value, or - for stdin")
	_ = secretCreateCmd.MarkFlagRequired("owner")
	_ = secretCreateCmd.MarkFlagRequired("name")

	secretListCmd.Flags().StringVar(&secretFlags.owner, "owner", "", "owning user")
	_ = secretListCmd.MarkFlagRequired("owner")

	secretCmd.AddCommand(secretCreateCmd, secretListCmd)
}

// openPersistentCore opens storage for one-shot CLI commands, which are
// useless against the in-memory store.
func openPersistentCore(cmd *cobra.Command) (*core, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("%s requires MCPGATE_DB_PATH", cmd.CommandPath())
	}
	logger, _ := newLogger(cfg, false)
	return openCore(cmd.Context(), cfg, logger)
}

func runSecretCreate(cmd *cobra.Command, _ []string) error {
	value := secretFlags.value
	if value == "-" {
		var err error
		if value, err = readSecret(cmd.InOrStdin()); err != nil {
			return err
		}
	}

	c, err := openPersistentCore(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	rec, err := vault.NewResolver(c.vault, c.repo, c.logger).
		CreateSecret(cmd.Context(), secretFlags.owner, secretFlags.name, secretFlags.environment, value)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
	return nil
}

func runSecretList(cmd *cobra.Command, _ []string) error {
	c, err := openPersistentCore(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	recs, err := c.repo.ListSecrets(cmd.Context(), secretFlags.owner)
	if err != nil {
		return err
	}
	out := make([]map[string]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, map[string]string{"id": r.ID, "name": r.Name, "environment": r.Environment})
	}
	return yaml.NewEncoder(cmd.OutOrStdout()).Encode(out)
}

// readSecret reads the first line of r.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read secret from stdin: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("empty secret value")
	}
	return line, nil
}
