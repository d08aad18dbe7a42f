package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prudhvinik1/edgeshadow/internal/models"
)

var toggleCmd = &cobra.Command{
	Use:   "toggle <device>",
	Short: "Ask a device to switch its lights",
	Long: `Request the inverse of the device's reported light status as its desired
state. A device that never reported is switched on.`,
	Args: cobra.ExactArgs(1),
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
		on, _ := snap.Reported["lights"].(bool)
		want := !on

		if _, err := c.manager.RequestDesiredChange(device, models.Properties{"lights": want}); err != nil {
			return err
		}
		snap, err = c.waitIdle(cmd.Context(), device)
		if err != nil {
			return err
		}
		if got, _ := snap.Desired["lights"].(bool); got != want {
			return fmt.Errorf("%s: desired lights not accepted", device)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s lights requested %s (version %d)\n", device, onOff(want), snap.Version)
		return nil
	},
}
