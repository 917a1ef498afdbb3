// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/khill1269/servalsheets-sub007/services/executor/batch"
	"github.com/khill1269/servalsheets-sub007/services/executor/conflict"
	"github.com/khill1269/servalsheets-sub007/services/executor/ratelimit"
	"github.com/khill1269/servalsheets-sub007/services/executor/snapshot"
	"github.com/khill1269/servalsheets-sub007/services/executor/telemetry"
)

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CircuitStats reports the mutation breaker's state and counters.
func CircuitStats(compiler *batch.Compiler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, compiler.Breaker().GetStats())
	}
}

// LimiterStats reports both token buckets.
func LimiterStats(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"buckets": limiter.StatsSnapshot()})
	}
}

// ListConflicts reports unresolved conflicts.
func ListConflicts(detector *conflict.Detector) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"conflicts": detector.GetActiveConflicts()})
	}
}

// ResolveConflictRequest is the body of POST /v1/conflicts/:id/resolve.
type ResolveConflictRequest struct {
	Strategy   string  `json:"strategy" binding:"required,oneof=overwrite merge cancel last_write_wins first_write_wins"`
	MergedData [][]any `json:"mergedData"`
}

// ResolveConflict applies a resolution strategy to an active conflict.
func ResolveConflict(detector *conflict.Detector, metrics *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ResolveConflictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res := detector.ResolveConflict(c.Request.Context(), c.Param("id"),
			conflict.Strategy(req.Strategy), req.MergedData)
		if metrics != nil {
			outcome := "success"
			if !res.Success {
				outcome = "failure"
			}
			metrics.ConflictsResolvedTotal.Add(c.Request.Context(), 1,
				metric.WithAttributes(
					attribute.String("strategy", req.Strategy),
					attribute.String("outcome", outcome),
				))
		}
		status := http.StatusOK
		if !res.Success {
			status = http.StatusConflict
		}
		c.JSON(status, res)
	}
}

// CreateSnapshotRequest is the body of POST /v1/snapshots.
type CreateSnapshotRequest struct {
	SpreadsheetID string `json:"spreadsheetId" binding:"required"`
	Name          string `json:"name"`
}

// CreateSnapshot creates a backup copy.
func CreateSnapshot(snapshots *snapshot.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateSnapshotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		snap, err := snapshots.Create(c.Request.Context(), req.SpreadsheetID, req.Name)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, snap)
	}
}

// ListSnapshots lists snapshots for one spreadsheet.
func ListSnapshots(snapshots *snapshot.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Query("spreadsheetId")
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "spreadsheetId query parameter is required"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"snapshots": snapshots.List(id)})
	}
}

// RestoreSnapshot copies a snapshot back out to a new spreadsheet.
func RestoreSnapshot(snapshots *snapshot.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		restoredID, err := snapshots.Restore(c.Request.Context(), c.Param("id"))
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, snapshot.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"restoredSpreadsheetId": restoredID})
	}
}

// DeleteSnapshot deletes a snapshot and its backing copy.
func DeleteSnapshot(snapshots *snapshot.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := snapshots.Delete(c.Request.Context(), c.Param("id")); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, snapshot.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
