package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapster-pi/tapster/pkg/history"
)

// NewHistoryCommand .
func NewHistoryCommand() *cobra.Command {
	limit := history.DefaultLimit

	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Show recent pours, tests and cleans",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := apiClient.GetHistory(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				cmd.Println("No history yet.")
				return nil
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				result := bool2Text(len(e.Faulted) == 0)
				if len(e.Faulted) > 0 {
					result += " faulted " + formatInts(e.Faulted)
				}
				if len(e.Dropped) > 0 {
					result += " dropped " + strings.Join(e.Dropped, ", ")
				}
				rows = append(rows, []string{
					e.StartedAt.Local().Format(time.DateTime),
					string(e.Kind),
					e.Recipe,
					fmt.Sprintf("%.1fs", e.FinishedAt.Sub(e.StartedAt).Seconds()),
					result,
				})
			}
			cmd.Println(renderTable([]string{"Time", "Kind", "Recipe", "Took", "Result"}, rows, 3))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultLimit, "number of entries to show")

	return cmd
}
