package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Device-side remote control agent for the mossy-p signaling relay",
	Long: `The agent registers this device with the relay, keeps a persistent
signaling channel open, negotiates peer-to-peer screen sharing sessions and
executes remote input commands locally.

Quick start:
  agent register   # announce this device to the relay (one time)
  agent run        # connect and serve sessions`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
