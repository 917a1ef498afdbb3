// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/khill1269/servalsheets-sub007/services/executor/handlers"
)

// SetupRoutes registers the executor's HTTP surface on the router.
func SetupRoutes(router *gin.Engine, engine *Engine) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		batches := v1.Group("/batches")
		{
			batches.POST("/compile", handlers.CompileBatches(engine.Compiler))
			batches.POST("/execute", handlers.ExecuteBatches(engine.Compiler))
		}

		conflicts := v1.Group("/conflicts")
		{
			conflicts.GET("", handlers.ListConflicts(engine.Detector))
			conflicts.POST("/:id/resolve", handlers.ResolveConflict(engine.Detector, engine.Metrics))
		}

		snapshots := v1.Group("/snapshots")
		{
			snapshots.POST("", handlers.CreateSnapshot(engine.Snapshots))
			snapshots.GET("", handlers.ListSnapshots(engine.Snapshots))
			snapshots.POST("/:id/restore", handlers.RestoreSnapshot(engine.Snapshots))
			snapshots.DELETE("/:id", handlers.DeleteSnapshot(engine.Snapshots))
		}

		v1.GET("/circuit/stats", handlers.CircuitStats(engine.Compiler))
		v1.GET("/limiter/stats", handlers.LimiterStats(engine.Limiter))
	}
}
