// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Wire types
// -----------------------------------------------------------------------------

type versionResponse struct {
	Version string `json:"version"`
}

type downloadRequest struct {
	Model string `json:"model"`
	Repo  string `json:"repo"`
}

// downloadLine is one NDJSON line of a download stream. Progress lines
// carry Fraction; the final line carries Status "success" and Path, or Error.
type downloadLine struct {
	Fraction *float64 `json:"fraction,omitempty"`
	Status   string   `json:"status,omitempty"`
	Path     string   `json:"path,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type artifactRequest struct {
	Path    string         `json:"path"`
	Compute ComputeOptions `json:"compute"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Client is the HTTP implementation of Engine.
//
// # Description
//
// Short calls (version, list, unload) are bounded by requestTimeout.
// Download, prewarm and load can legitimately run for minutes and are
// bounded only by the caller's context.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewClient creates a Client for the engine at baseURL.
func NewClient(baseURL string, requestTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		httpClient:     &http.Client{},
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

var _ Engine = (*Client)(nil)

// Version implements Engine.
func (c *Client) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var out versionResponse
	if err := c.getJSON(ctx, "version", "/api/version", &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// ListSupportedModels implements Engine.
func (c *Client) ListSupportedModels(ctx context.Context) (Catalog, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var out Catalog
	if err := c.getJSON(ctx, "list", "/api/models", &out); err != nil {
		return Catalog{}, err
	}
	return out, nil
}

// Download implements Engine.
//
// # Description
//
// POSTs to /api/download and reads the NDJSON progress stream line by
// line. The context is checked between lines so a cancel takes effect
// even while the server keeps streaming.
//
// # Outputs
//
//   - string: Local artifact path from the final "success" line.
//   - error: *Error on HTTP failure, an error line, or a truncated stream;
//     ctx.Err() wrapped in *Error on cancellation.
func (c *Client) Download(ctx context.Context, id, repo string, progress ProgressFunc) (string, error) {
	resp, err := c.post(ctx, "download", id, "/api/download", downloadRequest{Model: id, Repo: repo})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", &Error{Op: "download", Model: id, Message: "download cancelled", Err: err}
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg downloadLine
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Debug("skipping malformed download line", "model", id, "line", string(line), "error", err)
			continue
		}

		switch {
		case msg.Error != "":
			return "", &Error{Op: "download", Model: id, Message: msg.Error}
		case msg.Status == "success":
			if progress != nil {
				progress(1)
			}
			return msg.Path, nil
		case msg.Fraction != nil && progress != nil:
			progress(*msg.Fraction)
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "", &Error{Op: "download", Model: id, Message: "download cancelled", Err: ctx.Err()}
		}
		return "", &Error{Op: "download", Model: id, Message: "reading download stream", Err: err}
	}
	return "", &Error{Op: "download", Model: id, Message: "stream ended before completion"}
}

// Prewarm implements Engine.
func (c *Client) Prewarm(ctx context.Context, path string, compute ComputeOptions) error {
	return c.postArtifact(ctx, "prewarm", "/api/prewarm", path, compute)
}

// Load implements Engine.
func (c *Client) Load(ctx context.Context, path string, compute ComputeOptions) error {
	return c.postArtifact(ctx, "load", "/api/load", path, compute)
}

// Unload implements Engine.
func (c *Client) Unload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.post(ctx, "unload", "", "/api/unload", struct{}{})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (c *Client) postArtifact(ctx context.Context, op, endpoint, path string, compute ComputeOptions) error {
	resp, err := c.post(ctx, op, path, endpoint, artifactRequest{Path: path, Compute: compute})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return &Error{Op: op, Message: "building request", Err: err}
	}
	resp, err := c.do(op, "", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Message: "decoding response", Err: err}
	}
	return nil
}

// post sends body as JSON and returns the response when the status is 200.
// The caller closes the body.
func (c *Client) post(ctx context.Context, op, model, endpoint string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Op: op, Model: model, Message: "encoding request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Op: op, Model: model, Message: "building request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, model, req)
}

func (c *Client) do(op, model string, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, &Error{Op: op, Model: model, Message: "request cancelled", Err: req.Context().Err()}
		}
		return nil, &Error{Op: op, Model: model, Message: fmt.Sprintf("cannot reach engine at %s", c.baseURL), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, &Error{Op: op, Model: model, Status: resp.StatusCode, Message: readErrorBody(resp.Body)}
	}
	return resp, nil
}

// readErrorBody extracts {"error": "..."} if present, else the raw text.
func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 64*1024))
	var er errorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(data))
}
