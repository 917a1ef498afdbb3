// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the executor's HTTP handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/khill1269/servalsheets-sub007/services/executor/batch"
)

// CompileRequest is the body of POST /v1/batches/compile and
// POST /v1/batches/execute. Exactly one of Requests or LegacyIntents
// should be set; when both are present Requests wins.
type CompileRequest struct {
	Requests      []batch.WrappedRequest `json:"requests" binding:"required_without=LegacyIntents"`
	LegacyIntents []batch.LegacyIntent   `json:"legacyIntents"`
	ChunkSize     int                    `json:"chunkSize" binding:"omitempty,gt=0"`
}

func (r CompileRequest) input() batch.Input {
	if len(r.Requests) > 0 {
		return batch.FromWrapped(r.Requests)
	}
	return batch.FromLegacy(r.LegacyIntents)
}

// ExecuteRequest is the body of POST /v1/batches/execute.
type ExecuteRequest struct {
	CompileRequest
	Safety batch.SafetyOptions `json:"safety"`
}

// CompileBatches compiles requests without executing anything.
func CompileBatches(compiler *batch.Compiler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CompileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		batches := compiler.Compile(req.input(), batch.CompileOptions{ChunkSize: req.ChunkSize})
		c.JSON(http.StatusOK, gin.H{"batches": batches})
	}
}

// ExecuteBatches compiles and executes requests.
//
// Execution failures are not HTTP failures: each batch's outcome is a
// structured result in the 200 response, so callers can handle partial
// failure without parsing error bodies.
func ExecuteBatches(compiler *batch.Compiler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExecuteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		batches := compiler.Compile(req.input(), batch.CompileOptions{ChunkSize: req.ChunkSize})
		results := compiler.ExecuteAll(c.Request.Context(), batches, req.Safety)
		c.JSON(http.StatusOK, gin.H{"results": results})
	}
}
