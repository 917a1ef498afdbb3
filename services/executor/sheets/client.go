// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the remote spreadsheet gateway over JSON/HTTP. It
// implements BatchUpdater, MetadataFetcher, RangeReader, RangeWriter, and
// CopyAPI.
//
// The gateway owns transport details the executor must not know about:
// authentication, retries at the wire level, and translation to the
// upstream spreadsheet protocol.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the gateway at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError preserves the upstream status and message so the error
// classifier can pattern-match it.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("remote api: %d %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(MaxPayloadBytes)))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		msg := string(raw)
		var structured struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &structured) == nil && structured.Error != "" {
			msg = structured.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// BatchUpdate implements BatchUpdater.
func (c *Client) BatchUpdate(ctx context.Context, spreadsheetID string, requests []Request) (*BatchResponse, error) {
	var out BatchResponse
	path := fmt.Sprintf("/v1/spreadsheets/%s:batchUpdate", url.PathEscape(spreadsheetID))
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"requests": requests}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchMetadata implements MetadataFetcher.
func (c *Client) FetchMetadata(ctx context.Context, spreadsheetID string, sheetID int64) (*Metadata, error) {
	var out Metadata
	path := fmt.Sprintf("/v1/spreadsheets/%s/metadata?sheetId=%d", url.PathEscape(spreadsheetID), sheetID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadRange implements RangeReader.
func (c *Client) ReadRange(ctx context.Context, spreadsheetID, rng string) ([][]any, error) {
	var out struct {
		Values [][]any `json:"values"`
	}
	path := fmt.Sprintf("/v1/spreadsheets/%s/values/%s", url.PathEscape(spreadsheetID), url.PathEscape(rng))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Values, nil
}

// WriteRange implements RangeWriter.
func (c *Client) WriteRange(ctx context.Context, spreadsheetID, rng string, values [][]any) error {
	path := fmt.Sprintf("/v1/spreadsheets/%s/values/%s", url.PathEscape(spreadsheetID), url.PathEscape(rng))
	return c.do(ctx, http.MethodPut, path, map[string]any{"values": values}, nil)
}

// Copy implements CopyAPI.
func (c *Client) Copy(ctx context.Context, spreadsheetID, title string) (string, error) {
	var out struct {
		SpreadsheetID string `json:"spreadsheetId"`
	}
	path := fmt.Sprintf("/v1/spreadsheets/%s:copy", url.PathEscape(spreadsheetID))
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"title": title}, &out); err != nil {
		return "", err
	}
	return out.SpreadsheetID, nil
}

// Delete implements CopyAPI.
func (c *Client) Delete(ctx context.Context, spreadsheetID string) error {
	path := fmt.Sprintf("/v1/spreadsheets/%s", url.PathEscape(spreadsheetID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// URL implements CopyAPI.
func (c *Client) URL(spreadsheetID string) string {
	return fmt.Sprintf("%s/spreadsheets/%s", c.baseURL, url.PathEscape(spreadsheetID))
}
