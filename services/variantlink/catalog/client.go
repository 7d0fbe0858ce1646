// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/variantlink/services/variantlink/model"
)

// DefaultClientTimeout is the default per-request timeout.
const DefaultClientTimeout = 15 * time.Second

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL of the catalog server, e.g. "http://localhost:8088".
	BaseURL string

	// Timeout per request. Zero uses DefaultClientTimeout.
	Timeout time.Duration

	// RequestsPerSecond limits outgoing requests. Zero disables limiting.
	RequestsPerSecond float64

	// Burst is the limiter burst. Values < 1 are treated as 1.
	Burst int

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client talks to the catalog HTTP API.
//
// # Description
//
// Implements Service over the server package's routes. Concurrent identical
// reads are collapsed into one request. Non-2xx responses become *APIError,
// which unwraps to ErrNotFound, ErrExclusivityConflict or ErrInvalidInput.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	flight     singleflight.Group
	logger     *slog.Logger
}

// NewClient creates a Client.
//
// # Outputs
//
//   - *Client: Ready for use.
//   - error: Non-nil if BaseURL is empty or not an absolute URL.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidInput, cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultClientTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// linkRequest is the body of the link and unlink endpoints.
type linkRequest struct {
	VariantIDs []model.VariantID `json:"variant_ids"`
}

// FetchGroupDetail implements Reader.
func (c *Client) FetchGroupDetail(ctx context.Context, productID model.ProductID, groupID model.GroupID) (model.SelectionGroup, error) {
	path := fmt.Sprintf("/v1/products/%s/groups/%s", url.PathEscape(string(productID)), url.PathEscape(string(groupID)))

	v, err := c.sharedGet(ctx, path, func(ctx context.Context) (any, error) {
		var g model.SelectionGroup
		if err := c.do(ctx, http.MethodGet, path, nil, &g); err != nil {
			return nil, err
		}
		return g, nil
	})
	if err != nil {
		return model.SelectionGroup{}, err
	}
	// Shared results must not alias between callers.
	return v.(model.SelectionGroup).Clone(), nil
}

// FetchAllVariants implements Reader.
func (c *Client) FetchAllVariants(ctx context.Context, productID model.ProductID) ([]model.Variant, error) {
	path := fmt.Sprintf("/v1/products/%s/variants", url.PathEscape(string(productID)))

	v, err := c.sharedGet(ctx, path, func(ctx context.Context) (any, error) {
		var out struct {
			Variants []model.Variant `json:"variants"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, err
		}
		return out.Variants, nil
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]model.Variant)
	variants := make([]model.Variant, len(shared))
	copy(variants, shared)
	return variants, nil
}

// sharedGet collapses concurrent reads of path into one request. The shared
// request is detached from any single caller's cancellation and bounded by
// the HTTP client timeout; each caller still returns when its own ctx is done.
func (c *Client) sharedGet(ctx context.Context, path string, fetch func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan("GET "+path, func() (any, error) {
		return fetch(detached)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LinkVariants implements Linker.
func (c *Client) LinkVariants(ctx context.Context, productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID) error {
	return c.do(ctx, http.MethodPost, optionPath(productID, groupID, optionID, "link"), linkRequest{VariantIDs: variantIDs}, nil)
}

// UnlinkVariants implements Linker.
func (c *Client) UnlinkVariants(ctx context.Context, productID model.ProductID, groupID model.GroupID, optionID model.OptionID, variantIDs []model.VariantID) error {
	return c.do(ctx, http.MethodPost, optionPath(productID, groupID, optionID, "unlink"), linkRequest{VariantIDs: variantIDs}, nil)
}

// Violations fetches the group-wide invariant scan.
func (c *Client) Violations(ctx context.Context, productID model.ProductID, groupID model.GroupID) ([]model.Violation, error) {
	path := fmt.Sprintf("/v1/products/%s/groups/%s/violations", url.PathEscape(string(productID)), url.PathEscape(string(groupID)))
	var out struct {
		Violations []model.Violation `json:"violations"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Violations, nil
}

func optionPath(productID model.ProductID, groupID model.GroupID, optionID model.OptionID, action string) string {
	return fmt.Sprintf("/v1/products/%s/groups/%s/options/%s/%s",
		url.PathEscape(string(productID)), url.PathEscape(string(groupID)), url.PathEscape(string(optionID)), action)
}

// do sends one request. body is JSON-encoded when non-nil; out is decoded
// from a 2xx response when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("catalog request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	if apiErr.Code == "" {
		apiErr.Code = codeForStatus(resp.StatusCode)
	}
	return apiErr
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CodeInvalid
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return CodeUnavailable
	}
	return CodeInternal
}

// IsTemporary reports whether err is an API error worth retrying.
func IsTemporary(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Temporary()
}
