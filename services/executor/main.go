// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/khill1269/servalsheets-sub007/services/executor/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("SERVALSHEETS_CONFIG")
	if err := server.Run(ctx, configPath); err != nil {
		log.Fatalf("executor service failed: %v", err)
	}
}
