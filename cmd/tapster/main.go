package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tapster-pi/tapster/pkg/client"
)

var (
	logLevel       = "info"
	unixSocketPath = "/var/run/tapster.sock"
	configPath     = "/etc/tapster.json"

	apiClient *client.Client
)

var (
	gBasic        = "Basic:"
	gAdvanced     = "Advanced:"
	gInstallation = "Installation:"
	commandGroups = []string{
		gBasic,
		gAdvanced,
		gInstallation,
	}
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	return nil
}

func handleCmdError(err error) {
	switch {
	case errors.Is(err, client.ErrDaemonNotRunning):
		fmt.Fprintln(os.Stderr, "\nError: tapster daemon is not running")
		fmt.Fprintln(os.Stderr, "Is the daemon running? Have you installed it?")
	case errors.Is(err, client.ErrPermissionDenied):
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or reinstall the daemon with the '--allow-non-root-access' flag to grant permissions to your user")
	case errors.Is(err, client.ErrBusy):
		fmt.Fprintln(os.Stderr, "\nThe appliance is busy. Wait for the current pour to finish, or finish the calibration with 'tapster calibrate commit' or 'tapster calibrate discard'.")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tapster",
		Short: "tapster pours drinks with a relay-driven pump appliance",
		Long: `tapster pours drinks with a relay-driven pump appliance.

Each pump is one channel. Recipes are poured by running every channel at
once for as long as its volume takes. Calibrate the channels once with
"tapster calibrate" so the time the tubing takes to fill is accounted for.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			err := setupLogger()
			if err != nil {
				return err
			}

			apiClient = client.NewClient(unixSocketPath)

			if clientVersion, daemonVersion, err := getVersion(); err == nil && daemonVersion != clientVersion {
				logrus.WithFields(logrus.Fields{
					"clientVersion": clientVersion,
					"daemonVersion": daemonVersion,
				}).Warn("Version mismatch between client and daemon. Reinstall to make sure both are the same version.")
			}

			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "tapster daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewStatusCommand(),
		NewRecipesCommand(),
		NewMakeCommand(),
		NewDispenseCommand(),
		NewTestCommand(),
		NewCleanCommand(),
		NewCalibrateCommand(),
		NewHistoryCommand(),
		NewScheduleCommand(),
		NewWatchCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}
