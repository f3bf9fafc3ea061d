package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mossy-p/device-agent/config"
	"github.com/mossy-p/device-agent/internal/agent"
)

// registerCmd represents the register command
var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this device with the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		reg, err := agent.Register(ctx, cfg, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Registered as %s (%s)\n", reg.Name, reg.DeviceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
}
