// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package batch

import (
	"context"
	"fmt"
	"sync"
)

// ExecuteAll executes many compiled batches.
//
// Batches are partitioned by target spreadsheet. Within one spreadsheet
// they run strictly in submission order and the first failure aborts the
// spreadsheet's remaining batches; different spreadsheets run concurrently
// with each other, one goroutine per distinct spreadsheet.
//
// Outputs:
//   - []ExecutionResult: One per input batch, resequenced to the caller's
//     submission order regardless of completion order. Batches skipped by
//     an earlier failure on their spreadsheet get a failed result noting
//     the abort.
//
// Thread Safety: Safe for concurrent use.
func (c *Compiler) ExecuteAll(ctx context.Context, batches []CompiledBatch, safety SafetyOptions) []ExecutionResult {
	results := make([]ExecutionResult, len(batches))

	// Partition indices by spreadsheet, preserving submission order.
	perSheet := make(map[string][]int)
	order := make([]string, 0)
	for i, b := range batches {
		if _, seen := perSheet[b.SpreadsheetID]; !seen {
			order = append(order, b.SpreadsheetID)
		}
		perSheet[b.SpreadsheetID] = append(perSheet[b.SpreadsheetID], i)
	}

	var wg sync.WaitGroup
	for _, id := range order {
		indices := perSheet[id]
		wg.Add(1)
		go func(spreadsheetID string, indices []int) {
			defer wg.Done()
			failed := false
			for _, i := range indices {
				if failed {
					results[i] = ExecutionResult{
						SpreadsheetID: spreadsheetID,
						Error: &ExecError{
							Code: CodeUnknown,
							Message: fmt.Sprintf(
								"skipped: an earlier batch for spreadsheet %s failed", spreadsheetID),
							Retryable: true,
						},
					}
					continue
				}
				results[i] = c.Execute(ctx, batches[i], safety)
				if !results[i].Success {
					failed = true
				}
			}
		}(id, indices)
	}
	wg.Wait()

	return results
}
