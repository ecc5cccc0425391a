package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/tapster-pi/tapster/pkg/dispense"
	"github.com/tapster-pi/tapster/pkg/version"
)

func getVersion() (clientVersion, daemonVersion string, err error) {
	daemonVersion, err = apiClient.GetVersion()
	return version.Version, daemonVersion, err
}

func parseChannelArgs(args []string) ([]int, error) {
	channels := make([]int, 0, len(args))
	for _, a := range args {
		ch, err := strconv.Atoi(a)
		if err != nil || ch < 0 {
			return nil, fmt.Errorf("invalid channel %q: must be a channel index", a)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

// renderTable renders rows with a header; right lists right-aligned columns.
func renderTable(headers []string, rows [][]string, right ...int) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, len(right))
	for _, n := range right {
		configs = append(configs, table.ColumnConfig{
			Number:      n + 1,
			Align:       text.AlignRight,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// formatReport renders one row per channel of rep.
func formatReport(rep *dispense.Report) string {
	rows := make([][]string, 0, len(rep.Outcomes))
	for _, o := range rep.Outcomes {
		result := color.GreenString("ok")
		if o.Error != "" {
			result = color.RedString(o.Error)
		}
		rows = append(rows, []string{
			strconv.Itoa(o.Channel),
			strconv.Itoa(o.Line),
			o.Ingredient,
			fmt.Sprintf("%.2fs", o.Seconds),
			result,
		})
	}
	return renderTable([]string{"Channel", "Line", "Ingredient", "Time", "Result"}, rows, 0, 1, 3)
}

func formatInts(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ",")
}
