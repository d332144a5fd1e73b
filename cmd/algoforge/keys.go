package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiqo-ke/algoforge/internal/config"
	"github.com/chiqo-ke/algoforge/internal/router"
	"github.com/chiqo-ke/algoforge/internal/secrets"
)

// newKeysCmd is the supplemented `keys` subcommand (SPEC_FULL.md): prints
// the Router's key pool health so an operator can see active/cooling/error
// counts without tailing logs.
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Print LLM key pool health from the key manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return cmdExit(cmd, exitInvalidInput, err)
			}
			keysFile, _ := cmd.Flags().GetString("keys-file")

			store, err := secrets.NewStore(secrets.Config{Provider: cfg.SecretStoreType})
			if err != nil {
				return cmdExit(cmd, exitInfraUnavailable, err)
			}

			keys, err := config.LoadKeyManifest(keysFile, store, nil)
			if err != nil {
				return cmdExit(cmd, exitInvalidInput, err)
			}

			r := router.NewRouter(keys, router.Config{MaxRetries: cfg.MaxRetries})
			out := cmd.OutOrStdout()
			for _, h := range r.Health() {
				fmt.Fprintf(out, "%-20s provider=%-10s active=%-5t cooling=%-5t success=%-6d error=%d\n",
					h.KeyID, h.Provider, h.Active, h.CoolingDown, h.SuccessCount, h.ErrorCount)
			}
			return nil
		},
	}
	return cmd
}
