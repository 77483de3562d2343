package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/onnwee/chatrelay/config"
	"github.com/onnwee/chatrelay/crypto"
	"github.com/onnwee/chatrelay/db"
)

// sealTokensCmd encrypts oauth tokens stored before an encryption key was set.
func sealTokensCmd(out io.Writer) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "seal-tokens",
		Short: "Encrypt plaintext oauth tokens with ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Database.EncryptionKey == "" {
				return fmt.Errorf("ENCRYPTION_KEY is required")
			}
			sealer, err := crypto.NewSealer(cfg.Database.EncryptionKey, "v1")
			if err != nil {
				return fmt.Errorf("encryption key: %w", err)
			}
			database, err := db.Connect(cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer database.Close()

			providers, err := db.New(database, sealer).SealPlaintextTokens(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			verb := "sealed"
			if dryRun {
				verb = "would seal"
			}
			if len(providers) == 0 {
				_, err = fmt.Fprintln(out, "no plaintext tokens")
				return err
			}
			for _, p := range providers {
				if _, err := fmt.Fprintf(out, "%s %s\n", verb, p); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List the tokens that would be sealed without changing them")
	return cmd
}
