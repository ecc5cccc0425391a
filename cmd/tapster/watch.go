package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tapster-pi/tapster/pkg/events"
)

// NewWatchCommand .
func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Short:   "Print daemon events as they happen",
		GroupID: gAdvanced,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return apiClient.Watch(ctx, func(ev events.Event) bool {
				cmd.Println(formatEvent(ev))
				return true
			})
		},
	}
}

func formatEvent(ev events.Event) string {
	ts := color.New(color.Faint).Sprint(time.Now().Format(time.TimeOnly))
	name := bold("%s", ev.Name)

	switch ev.Name {
	case events.DispenseStarted, events.DispenseFinished:
		p, err := events.DecodeAs[events.OperationEvent](ev)
		if err != nil {
			break
		}
		msg := fmt.Sprintf("%s %s", p.Kind, p.JobID)
		if p.Recipe != "" {
			msg += fmt.Sprintf(" (%s)", p.Recipe)
		}
		if ev.Name == events.DispenseFinished && len(p.Faulted) > 0 {
			msg += color.RedString(" faulted %s", formatInts(p.Faulted))
		}
		return fmt.Sprintf("%s %s %s", ts, name, msg)
	case events.ChannelFault:
		p, err := events.DecodeAs[events.ChannelFaultEvent](ev)
		if err != nil {
			break
		}
		return fmt.Sprintf("%s %s channel %d (line %d): %s", ts, name, p.Channel, p.Line, color.RedString(p.Error))
	case events.CalibrationPhase:
		p, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
		if err != nil {
			break
		}
		return fmt.Sprintf("%s %s %s -> %s (channel %d) %s", ts, name, p.From, p.To, p.Channel, p.Message)
	case events.CleanUpcoming, events.CleanSkipped:
		p, err := events.DecodeAs[events.ScheduleEvent](ev)
		if err != nil {
			break
		}
		return fmt.Sprintf("%s %s at %s %s", ts, name, time.Unix(p.RunAt, 0).Format(time.DateTime), p.Message)
	}
	return fmt.Sprintf("%s %s %s", ts, name, ev.Data)
}
