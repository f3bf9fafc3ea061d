package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mossy-p/device-agent/config"
	"github.com/mossy-p/device-agent/internal/agent"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the relay and serve remote control sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		a, err := agent.New(cfg, agent.Options{})
		if err != nil {
			return err
		}
		if err := a.Start(); err != nil {
			return err
		}
		defer a.Stop()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		select {
		case <-stop:
			return nil
		case err := <-a.Failures():
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
