package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tapster-pi/tapster/pkg/calibration"
)

// NewCalibrateCommand .
func NewCalibrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibrate",
		Aliases: []string{"calibration", "cali"},
		Short:   "Measure how long each channel takes to fill its tubing",
		Long: `Measure how long each channel takes to fill its tubing.

Without a subcommand an interactive wizard walks through every channel:
press Enter to switch the pump on, and Enter again as soon as liquid
reaches the nozzle. The subcommands perform the same steps one at a time.`,
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCalibrationWizard(cmd)
		},
	}

	steps := []struct {
		action calibration.Action
		short  string
	}{
		{calibration.ActionStart, "Start a calibration session"},
		{calibration.ActionBegin, "Switch the current channel on and start timing"},
		{calibration.ActionStop, "Switch the current channel off and record the time"},
		{calibration.ActionAdvance, "Accept the measurement and move to the next channel"},
		{calibration.ActionRedo, "Drop the measurement and measure the channel again"},
		{calibration.ActionSkip, "Keep the current channel's previous delay and move on"},
		{calibration.ActionCommit, "Save the measured delays"},
		{calibration.ActionDiscard, "End the session without saving"},
	}
	for _, s := range steps {
		action := s.action
		cmd.AddCommand(&cobra.Command{
			Use:   string(action),
			Short: s.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				st, err := apiClient.Calibrate(action)
				if err != nil {
					return fmt.Errorf("failed to %s calibration: %w", action, err)
				}
				printCalibrationStatus(cmd.OutOrStdout(), st)
				return nil
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the calibration session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetCalibration()
			if err != nil {
				return err
			}
			printCalibrationStatus(cmd.OutOrStdout(), st)
			return nil
		},
	})

	return cmd
}

func runCalibrationWizard(cmd *cobra.Command) error {
	st, err := apiClient.GetCalibration()
	if err != nil {
		return err
	}
	if st.Phase == calibration.PhaseIdle || st.Phase.Terminal() {
		if st, err = apiClient.Calibrate(calibration.ActionStart); err != nil {
			return fmt.Errorf("failed to start calibration: %w", err)
		}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	fmt.Fprintln(out, "Calibrating. Ctrl-C discards the session.")

	for !st.Phase.Terminal() {
		fmt.Fprintln(out, wizardHint(st))

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			if _, derr := apiClient.Calibrate(calibration.ActionDiscard); derr != nil {
				return fmt.Errorf("failed to discard calibration: %w", derr)
			}
			fmt.Fprintln(out, "Calibration discarded.")
			return nil
		}
		if err != nil {
			return err
		}

		action, ok := wizardAction(st.Phase, strings.ToLower(strings.TrimSpace(line)))
		if !ok {
			fmt.Fprintln(out, color.YellowString("unknown input %q", line))
			continue
		}

		next, err := apiClient.Calibrate(action)
		if err != nil {
			fmt.Fprintln(out, color.RedString("%v", err))
			if next, err = apiClient.GetCalibration(); err != nil {
				return err
			}
		}
		st = next
		if st.Phase == calibration.PhaseStopped && st.Channel < len(st.Measured) && st.Measured[st.Channel] != nil {
			fmt.Fprintf(out, "Channel %d filled in %s\n", st.Channel, bold("%.2fs", *st.Measured[st.Channel]))
		}
	}

	printCalibrationStatus(cmd.OutOrStdout(), st)
	return nil
}

func wizardHint(st *calibration.Status) string {
	switch st.Phase {
	case calibration.PhaseSelecting:
		return fmt.Sprintf("Channel %d (line %d): [Enter] start pump, [s] skip, [q] quit", st.Channel, st.Line)
	case calibration.PhaseRunning:
		return fmt.Sprintf("Channel %d is running: [Enter] stop when liquid reaches the nozzle", st.Channel)
	case calibration.PhaseStopped:
		return fmt.Sprintf("Channel %d: [Enter] next channel, [r] redo, [q] quit", st.Channel)
	case calibration.PhaseReviewing:
		return formatCalibrationTable(st) + "\n[c] commit, [q] discard"
	}
	return ""
}

// wizardAction maps an input line to a session action for phase p.
func wizardAction(p calibration.Phase, in string) (calibration.Action, bool) {
	if in == "q" || in == "quit" {
		return calibration.ActionDiscard, true
	}
	switch p {
	case calibration.PhaseSelecting:
		switch in {
		case "":
			return calibration.ActionBegin, true
		case "s", "skip":
			return calibration.ActionSkip, true
		}
	case calibration.PhaseRunning:
		if in == "" {
			return calibration.ActionStop, true
		}
	case calibration.PhaseStopped:
		switch in {
		case "":
			return calibration.ActionAdvance, true
		case "r", "redo":
			return calibration.ActionRedo, true
		}
	case calibration.PhaseReviewing:
		switch in {
		case "c", "commit", "y", "yes":
			return calibration.ActionCommit, true
		case "n", "no":
			return calibration.ActionDiscard, true
		}
	}
	return "", false
}

func formatCalibrationTable(st *calibration.Status) string {
	rows := make([][]string, 0, st.ChannelCount)
	for i := 0; i < st.ChannelCount; i++ {
		prev, measured := "-", "-"
		if i < len(st.Previous) {
			prev = fmt.Sprintf("%.2fs", st.Previous[i])
		}
		if i < len(st.Measured) && st.Measured[i] != nil {
			measured = fmt.Sprintf("%.2fs", *st.Measured[i])
		}
		rows = append(rows, []string{fmt.Sprint(i), prev, measured})
	}
	return renderTable([]string{"Channel", "Previous", "Measured"}, rows, 0, 1, 2)
}

func printCalibrationStatus(w io.Writer, st *calibration.Status) {
	fmt.Fprintf(w, "Phase: %s\n", bold("%s", st.Phase))
	if st.Phase == calibration.PhaseSelecting || st.Phase == calibration.PhaseRunning || st.Phase == calibration.PhaseStopped {
		fmt.Fprintf(w, "Channel: %s (line %d)\n", bold("%d", st.Channel), st.Line)
	}
	if st.Phase == calibration.PhaseRunning {
		fmt.Fprintf(w, "Running: %s\n", bold("%.1fs", st.RunningSeconds))
	}
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started: %s (%s ago)\n", st.StartedAt.Format(time.RFC3339), time.Since(st.StartedAt).Round(time.Second))
	}
	if st.ChannelCount > 0 {
		fmt.Fprintln(w, formatCalibrationTable(st))
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", color.RedString(st.LastError))
	}
}
