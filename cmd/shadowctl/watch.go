package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/prudhvinik1/edgeshadow/internal/models"
)

var watchCmd = &cobra.Command{
	Use:   "watch [device...]",
	Short: "Print light status changes of devices",
	Long: `Print the light status of each device whenever it changes.

Without arguments the devices in WATCHED_DEVICES are watched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices := args
		if len(devices) == 0 {
			devices = cfg.WatchedDevices
		}
		printer := newLightPrinter(os.Stdout)
		c, err := openConsole(cmd.Context(), devices, printer)
		if err != nil {
			return err
		}
		defer c.Close()

		<-cmd.Context().Done()
		return nil
	},
}

// lightPrinter prints a device's light status only when it differs from the
// last one printed.
type lightPrinter struct {
	out io.Writer

	mu   sync.Mutex
	last map[string]bool
}

func newLightPrinter(out io.Writer) *lightPrinter {
	return &lightPrinter{out: out, last: make(map[string]bool)}
}

func (p *lightPrinter) OnReportedChange(identity string, reported models.Properties) {
	on, ok := reported["lights"].(bool)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if last, seen := p.last[identity]; seen && last == on {
		return
	}
	p.last[identity] = on
	fmt.Fprintf(p.out, "%s lights %s\n", identity, onOff(on))
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
