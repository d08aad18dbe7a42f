package main

import (
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/prudhvinik1/edgeshadow/internal/models"
)

var getCmd = &cobra.Command{
	Use:   "get <device>",
	Short: "Print the shadow document of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device := args[0]
		c, err := openConsole(cmd.Context(), []string{device}, nil)
		if err != nil {
			return err
		}
		defer c.Close()

		snap, err := c.waitIdle(cmd.Context(), device)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(models.ShadowDocument{
			State:   models.ShadowState{Desired: snap.Desired, Reported: snap.Reported},
			Version: snap.Version,
		})
	},
}
