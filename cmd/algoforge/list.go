package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiqo-ke/algoforge/internal/workflowstore"
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Enumerate known workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return cmdExit(cmd, exitInvalidInput, err)
			}
			svc, err := openServices(cfg)
			if err != nil {
				return cmdExit(cmd, exitInfraUnavailable, err)
			}
			defer svc.Close()

			ids, err := svc.workflows.List()
			if err != nil {
				return cmdExit(cmd, exitInfraUnavailable, err)
			}

			out := cmd.OutOrStdout()
			for _, id := range ids {
				status := "submitted"
				if state, err := svc.workflows.LoadState(id); err == nil {
					status = string(state.Status)
				} else if err != workflowstore.ErrNotFound {
					status = "unknown (" + err.Error() + ")"
				}
				fmt.Fprintf(out, "%s\t%s\n", id, status)
			}
			return nil
		},
	}
	return cmd
}
