package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"agentcore/pkg/config"
	"agentcore/pkg/corerr"
)

// newSecretsCmd creates the "agentcore secrets" command group.
func newSecretsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted provider credentials",
		Long: fmt.Sprintf("Credentials are stored encrypted under storage.secrets_dir.\n"+
			"The password is read from %s, or prompted for on a terminal.", passwordEnv),
	}
	cmd.AddCommand(newSecretsSetCmd(opts), newSecretsListCmd(opts), newSecretsDeleteCmd(opts))
	return cmd
}

// editSecrets opens the secrets file, applies fn and saves it with the same password.
// A missing file is created, with password confirmation on a terminal.
func editSecrets(opts *rootOptions, fn func(*config.Secrets) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.Storage.SecretsDir
	password, err := readPassword(!config.SecretsFileExists(dir))
	if err != nil {
		return err
	}
	secrets, err := config.OpenSecrets(dir, password)
	if err != nil {
		return corerr.Wrap(corerr.KindAuthorization, "secrets", err, "failed to decrypt secrets")
	}
	if err := fn(secrets); err != nil {
		return err
	}
	if err := secrets.Save(password); err != nil {
		return corerr.Wrap(corerr.KindPersistence, "secrets", err, "failed to save secrets")
	}
	return nil
}

func newSecretsSetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret; the value is read from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return corerr.Wrap(corerr.KindValidation, "secrets", err, "failed to read value from stdin")
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return corerr.Newf(corerr.KindValidation, "secrets", "secret %s has an empty value", args[0])
			}
			return editSecrets(opts, func(s *config.Secrets) error {
				s.Set(args[0], value)
				return nil
			})
		},
	}
}

func newSecretsDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return editSecrets(opts, func(s *config.Secrets) error {
				s.Delete(args[0])
				return nil
			})
		},
	}
}

func newSecretsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			dir := cfg.Storage.SecretsDir
			if !config.SecretsFileExists(dir) {
				fmt.Fprintln(cmd.OutOrStdout(), "No secrets stored.")
				return nil
			}
			password, err := readPassword(false)
			if err != nil {
				return err
			}
			secrets, err := config.OpenSecrets(dir, password)
			if err != nil {
				return corerr.Wrap(corerr.KindAuthorization, "secrets", err, "failed to decrypt secrets")
			}
			for _, name := range secrets.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
