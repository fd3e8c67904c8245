package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"midibot/internal/app"
	"midibot/internal/midiout"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "midibot",
	Short:        "Chat-driven MIDI request player",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to chat and the MIDI output and start serving requests",
	RunE:  runBot,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List MIDI output ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports := midiout.Ports()
		if len(ports) == 0 {
			return errors.New("no MIDI output ports found")
		}
		for i, p := range ports {
			fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", i, p)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	rootCmd.AddCommand(runCmd, portsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		return fmt.Errorf("fatal start: %w", err)
	}

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return a.Stop(stopCtx, reason)
}
