package main

import (
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/quickdrop/internal/endpoint"
	"github.com/wilsonzlin/quickdrop/internal/progress"
	"github.com/wilsonzlin/quickdrop/internal/tui"
)

func formatSize(n uint64) string { return progress.FormatSize(n) }

// follow shows the attempt until it ends and returns its result.
func (c *cli) follow(cmd *cobra.Command, a *endpoint.Attempt, sending bool) (endpoint.Result, error) {
	if c.interactive() {
		model := tui.New(sending, a.Updates(), a.Cancel)
		p := tea.NewProgram(model, tea.WithContext(cmd.Context()), tea.WithOutput(cmd.OutOrStdout()))
		if _, err := p.Run(); err != nil {
			a.Cancel()
			c.logger.Debug("terminal view exited", "err", err)
		}
	} else {
		printPlain(cmd.OutOrStdout(), cmd.ErrOrStderr(), a.Updates(), sending)
	}
	return a.Result()
}

// printPlain writes one line per phase change and per tenth of progress.
// The session code goes to out so scripts can capture it.
func printPlain(out, errOut io.Writer, updates <-chan endpoint.Status, sending bool) {
	var (
		phase    endpoint.Phase
		code     string
		lastStep = -1
	)
	for st := range updates {
		if sending && st.Code != "" && st.Code != code {
			code = st.Code
			fmt.Fprintf(out, "code %s\n", code)
		}
		switch st.Phase {
		case endpoint.PhaseTransferring:
			step := int(st.Progress.Percent / 10)
			if step == lastStep {
				continue
			}
			lastStep = step
			fmt.Fprintf(errOut, "%5.1f%%  %s/%s  %s  %s\n",
				st.Progress.Percent,
				progress.FormatSize(st.Progress.Transferred),
				progress.FormatSize(st.Progress.Total),
				st.Progress.Speed,
				st.Progress.Remaining,
			)
		case endpoint.PhaseFailed:
			fmt.Fprintf(errOut, "failed: %v\n", st.Err)
		default:
			if st.Phase != phase {
				fmt.Fprintf(errOut, "%s\n", st.Phase)
			}
		}
		phase = st.Phase
	}
}
