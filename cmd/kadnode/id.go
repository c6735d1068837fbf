package main

import (
	"fmt"

	"github.com/WebFirstLanguage/kadnet/pkg/control"
	"github.com/WebFirstLanguage/kadnet/pkg/kad"
	"github.com/spf13/cobra"
)

func newIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id [key]",
		Short: "Generate a random node ID, or show the ID a key maps to",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				fmt.Fprintln(cmd.OutOrStdout(), control.ParseKey(args[0]))
				return nil
			}
			id, err := kad.RandomID()
			if err != nil {
				return fmt.Errorf("failed to generate id: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
