package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/batchchain/internal/store"
	"github.com/mtzanidakis/batchchain/internal/vault"
)

var (
	secretValue       string
	secretFile        string
	secretDescription string
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage sealed provider credentials",
	Long: `Secrets are sealed with the vault passphrase (vault.passphrase or
BATCHCHAIN_VAULT_PASSPHRASE). Reference one from a provider with
api_key: "secret:<name>".`,
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secrets (metadata only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openVault()
		if err != nil {
			return err
		}
		defer db.Close()

		secrets, err := db.ListSecrets()
		if err != nil {
			return err
		}
		if len(secrets) == 0 {
			fmt.Println("No secrets stored.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
		for _, s := range secrets {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Description, s.UpdatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var vaultSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a secret from --value or --file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value []byte
		switch {
		case secretValue != "" && secretFile != "":
			return fmt.Errorf("use either --value or --file")
		case secretValue != "":
			value = []byte(secretValue)
		case secretFile != "":
			data, err := os.ReadFile(secretFile)
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}
			value = data
		default:
			return fmt.Errorf("one of --value or --file is required")
		}

		db, v, err := openVault()
		if err != nil {
			return err
		}
		defer db.Close()

		sealed, err := v.Seal(value)
		if err != nil {
			return fmt.Errorf("seal secret: %w", err)
		}
		sec := &store.Secret{ID: args[0], Description: secretDescription, Value: sealed}
		if existing, err := db.GetSecret(args[0]); err == nil && existing != nil {
			sec.CreatedAt = existing.CreatedAt
			if sec.Description == "" {
				sec.Description = existing.Description
			}
		}
		if err := db.SaveSecret(sec); err != nil {
			return err
		}
		fmt.Printf("Secret %q saved.\n", args[0])
		return nil
	},
}

var vaultDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		existing, err := db.GetSecret(args[0])
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("secret %q not found", args[0])
		}
		if err := db.DeleteSecret(args[0]); err != nil {
			return err
		}
		fmt.Printf("Secret %q deleted.\n", args[0])
		return nil
	},
}

func init() {
	vaultSetCmd.Flags().StringVar(&secretValue, "value", "", "secret value")
	vaultSetCmd.Flags().StringVar(&secretFile, "file", "", "read the secret from a file")
	vaultSetCmd.Flags().StringVar(&secretDescription, "description", "", "free-form description")

	vaultCmd.AddCommand(vaultListCmd, vaultSetCmd, vaultDeleteCmd)
}

func openStore() (*store.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

func openVault() (*store.Store, *vault.Vault, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Vault.Passphrase == "" {
		return nil, nil, fmt.Errorf("vault passphrase is not set (vault.passphrase or BATCHCHAIN_VAULT_PASSPHRASE)")
	}
	v, err := vault.New(cfg.Vault.Passphrase)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return db, v, nil
}
