package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/cncpendant/cncjs-pendant/internal/config"
	"github.com/cncpendant/cncjs-pendant/internal/session"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the CNCjs server's serial ports",
	Long: `Connect to the CNCjs server, request its serial port list and print it.

No port is opened, even if --port is given.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	opts, err := config.Resolve(v, cfgFile)
	if err != nil {
		return err
	}
	opts.List = true
	opts.Port = ""

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, h, err := openSession(ctx, *opts, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.Close()

	if err := waitPorts(ctx, s, h); err != nil {
		return err
	}
	renderPorts(cmd.OutOrStdout(), h.Ports())
	return nil
}

// renderPorts renders the port list in a styled static table format
func renderPorts(out io.Writer, ports []session.PortInfo) {
	if len(ports) == 0 {
		_, _ = fmt.Fprintln(out, "No serial ports found")
		return
	}

	_, _ = fmt.Fprintf(out, "Found %d serial port(s):\n\n", len(ports))

	portWidth := 20
	manufacturerWidth := 25

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(lipgloss.Color("240"))

	inUseStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	cellStyle := lipgloss.NewStyle().PaddingRight(2)

	header := fmt.Sprintf("%-*s %-*s %s",
		portWidth, "Port",
		manufacturerWidth, "Manufacturer",
		"Status")
	_, _ = fmt.Fprintln(out, headerStyle.Render(header))

	for _, p := range ports {
		manufacturer := p.Manufacturer
		if manufacturer == "" {
			manufacturer = "-"
		}
		status := "available"
		if p.InUse {
			status = inUseStyle.Render("in use")
		}
		row := fmt.Sprintf("%-*s %-*s %s",
			portWidth, p.Port,
			manufacturerWidth, manufacturer,
			status)
		_, _ = fmt.Fprintln(out, cellStyle.Render(row))
	}
}
