package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tapster-pi/tapster/pkg/dispense"
	"github.com/tapster-pi/tapster/pkg/version"
)

// NewVersionCommand .
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Print version",
		GroupID: gBasic,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

// NewStatusCommand .
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show channel and calibration status",
		GroupID: gBasic,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(st.Channels))
			for _, ch := range st.Channels {
				state := color.New(color.Faint).Sprint(ch.State)
				if ch.State == "on" {
					state = color.New(color.Bold, color.FgGreen).Sprint(ch.State)
				}
				delay := fmt.Sprintf("%.2fs", ch.FillDelay)
				if !ch.Calibrated {
					delay = color.YellowString("not calibrated")
				}
				rows = append(rows, []string{strconv.Itoa(ch.Index), strconv.Itoa(ch.Line), state, delay})
			}
			cmd.Println(renderTable([]string{"Channel", "Line", "State", "Fill delay"}, rows, 0, 1, 3))

			cmd.Printf("Calibrated: %s\n", bool2Text(!st.NeedsCalibration))
			busy := "no"
			if st.Busy != "" {
				busy = st.Busy
			}
			cmd.Printf("Busy: %s\n", bold("%s", busy))
			if st.Calibration != "" {
				cmd.Printf("Calibration: %s\n", bold("%s", st.Calibration))
			}
			if st.NeedsCalibration {
				cmd.Println(color.YellowString("\nSome channels are not calibrated. Run 'tapster calibrate' before pouring for accurate volumes."))
			}
			return nil
		},
	}
}

// NewRecipesCommand .
func NewRecipesCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "recipes [name]",
		Short:   "List recipes, or show one recipe",
		GroupID: gBasic,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				names, err := apiClient.ListRecipes()
				if err != nil {
					return err
				}
				for _, n := range names {
					cmd.Println(n)
				}
				return nil
			}

			r, err := apiClient.GetRecipe(args[0])
			if err != nil {
				return err
			}
			cmd.Println(bold("%s", r.Name))
			rows := make([][]string, 0, len(r.Ingredients))
			for i, ing := range r.Ingredients {
				rows = append(rows, []string{strconv.Itoa(i), ing.Name, fmt.Sprintf("%.2f oz", ing.Volume)})
			}
			cmd.Println(renderTable([]string{"Channel", "Ingredient", "Volume"}, rows, 0, 2))
			return nil
		},
	}
}

// NewMakeCommand .
func NewMakeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "make <recipe>",
		Short:   "Pour a recipe from the recipe book",
		GroupID: gBasic,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := apiClient.Make(strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("failed to make drink: %w", err)
			}
			printResult(cmd, res)
			return nil
		},
	}
}

// NewDispenseCommand .
func NewDispenseCommand() *cobra.Command {
	file := ""

	cmd := &cobra.Command{
		Use:     "dispense -f <recipe.json|recipe.yaml>",
		Short:   "Pour an ad-hoc recipe from a file",
		GroupID: gBasic,
		Long: `Pour an ad-hoc recipe from a JSON or YAML file.

Ingredients are poured on channels in the order they are listed:

  name: shot
  ingredients:
    vodka: 1.5
    lime juice: 0.5`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return fmt.Errorf("a recipe file is required")
			}
			r, err := readRecipe(file)
			if err != nil {
				return err
			}
			if err := r.Validate(); err != nil {
				return err
			}
			res, err := apiClient.Dispense(r)
			if err != nil {
				return fmt.Errorf("failed to dispense: %w", err)
			}
			printResult(cmd, res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "recipe file (JSON or YAML)")

	return cmd
}

func readRecipe(path string) (*dispense.Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}

	var r dispense.Recipe
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &r)
	default:
		err = json.Unmarshal(data, &r)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse recipe %s: %w", path, err)
	}
	if r.Name == "" {
		r.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &r, nil
}

// NewTestCommand .
func NewTestCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "test",
		Short:   "Pulse every channel for one second, one after another",
		GroupID: gAdvanced,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := apiClient.TestAll()
			if err != nil {
				return fmt.Errorf("failed to test channels: %w", err)
			}
			printReport(cmd, rep)
			return nil
		},
	}
}

// NewCleanCommand .
func NewCleanCommand() *cobra.Command {
	margin := 0.0

	cmd := &cobra.Command{
		Use:     "clean [channel...]",
		Short:   "Flush channels for their fill delay plus a margin",
		GroupID: gAdvanced,
		Long: `Flush channels for their fill delay plus a margin.

Without arguments every channel is flushed. The margin defaults to the
daemon's configured clean margin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			channels, err := parseChannelArgs(args)
			if err != nil {
				return err
			}
			var m *float64
			if cmd.Flags().Changed("margin") {
				m = &margin
			}
			rep, err := apiClient.Clean(m, channels)
			if err != nil {
				return fmt.Errorf("failed to clean: %w", err)
			}
			printReport(cmd, rep)
			return nil
		},
	}

	cmd.Flags().Float64Var(&margin, "margin", 0, "extra seconds to run each channel after its fill delay")

	return cmd
}

func printReport(cmd *cobra.Command, rep *dispense.Report) {
	cmd.Println(formatReport(rep))
	d := rep.FinishedAt.Sub(rep.StartedAt).Round(10 * time.Millisecond)
	if rep.OK() {
		cmd.Printf("%s %s finished in %s\n", bool2Text(true), rep.Kind, d)
		return
	}
	cmd.Printf("%s %s finished in %s, channels %s faulted\n", bool2Text(false), rep.Kind, d, formatInts(rep.Faulted))
}

func printResult(cmd *cobra.Command, res *dispense.Result) {
	cmd.Printf("Pouring %s\n", bold("%s", res.Recipe))
	printReport(cmd, &res.Report)
	if len(res.Skipped) > 0 {
		cmd.Printf("Skipped (no volume): %s\n", strings.Join(res.Skipped, ", "))
	}
	if res.Overflow() {
		cmd.Println(color.YellowString("Not poured, out of channels: %s", strings.Join(res.Dropped, ", ")))
	}
	for _, w := range res.Warnings {
		cmd.Println(color.YellowString("Warning: %s", w))
	}
}
