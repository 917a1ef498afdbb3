// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/khill1269/servalsheets-sub007/services/executor/server"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "servalsheets",
	Short: "Safety-railed mutation executor for remote spreadsheets",
	Long: `servalsheets mediates between a tool-calling orchestrator and a
rate-limited remote spreadsheet API: admission control, conflict detection,
pre-mutation snapshots, circuit breaking, and batched execution.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the executor HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return server.Run(ctx, configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (defaults when empty)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
