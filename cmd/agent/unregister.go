package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mossy-p/device-agent/config"
	"github.com/mossy-p/device-agent/internal/agent"
)

// unregisterCmd represents the unregister command
var unregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Remove this device from the relay and forget its identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := agent.Unregister(ctx, cfg, nil); err != nil {
			return err
		}
		fmt.Println("Device unregistered")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(unregisterCmd)
}
