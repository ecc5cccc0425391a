package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapster-pi/tapster/pkg/daemon"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage the automatic clean schedule",
		Long: `Manage the automatic clean schedule.

The schedule command can be used in multiple ways:
  tapster schedule 'minute hour day month weekday' Set schedule with cron expression
  tapster schedule disable                         Disable the schedule
  tapster schedule postpone [duration]             Postpone next clean
  tapster schedule skip                            Skip next clean
  tapster schedule show                            Show current schedule

A scheduled clean is skipped when the appliance is pouring or calibrating.`,
		Example: `  tapster schedule '0 3 * * *' (At 03:00 every day)
  tapster schedule '30 2 * * 1' (At 02:30 on Monday)`,
		GroupID: gAdvanced,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		newScheduleDisableCommand(),
		newSchedulePostponeCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable the clean schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.SetCleanSchedule(""); err != nil {
				return err
			}
			cmd.Println("Clean schedule disabled.")
			return nil
		},
	}
}

func newSchedulePostponeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled clean",
		Example: `  tapster schedule postpone      (Postpone by 1 hour)
  tapster schedule postpone 90m  (Postpone by 90 minutes)`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			st, err := apiClient.PostponeCleanSchedule(d)
			if err != nil {
				return err
			}
			cmd.Printf("Next clean postponed to %s\n", st.NextRun.Local().Format(time.DateTime))
			return nil
		},
	}
}

func newScheduleSkipCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled clean",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.SkipCleanSchedule()
			if err != nil {
				return err
			}
			cmd.Printf("Next clean skipped. Following clean at %s\n", st.NextRun.Local().Format(time.DateTime))
			return nil
		},
	}
}

func newScheduleShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the clean schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleShow(cmd)
		},
	}
}

func runScheduleSet(cmd *cobra.Command, expr string) error {
	if expr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	st, err := apiClient.SetCleanSchedule(expr)
	if err != nil {
		return err
	}
	printSchedule(cmd, st)
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	st, err := apiClient.GetCleanSchedule()
	if err != nil {
		return err
	}
	printSchedule(cmd, st)
	return nil
}

func printSchedule(cmd *cobra.Command, st *daemon.ScheduleStatus) {
	if st.Expression == "" || !st.Running {
		cmd.Println("Clean schedule disabled.")
		return
	}
	cmd.Printf("Schedule: %s\n", bold("%s", st.Expression))
	if !st.NextRun.IsZero() {
		cmd.Printf("Next clean: %s (in %s)\n", st.NextRun.Local().Format(time.DateTime), time.Until(st.NextRun).Round(time.Minute))
	}
}
