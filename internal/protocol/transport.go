// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/gemweb/internal/credentials"
)

// =============================================================================
// TRANSPORT BOUNDARY
// =============================================================================

// MaxResponseSize caps how much of an upstream body is read (16MB).
// Prevents memory exhaustion from a misbehaving upstream.
const MaxResponseSize = 16 * 1024 * 1024

// Request is one outbound wire call. Cookies carry the session artifacts.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Cookies []credentials.Artifact
	Body    string
	Timeout time.Duration
}

// Response is the transport-level result. Header values are flattened to the
// first value per key; Location is what the redirect checks consume.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Header returns a response header, case-insensitively.
func (r Response) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Transport executes wire calls. The production implementation presents a
// TLS fingerprint consistent with a real browser client and lives outside
// this module; HTTPTransport below is the plain default.
type Transport interface {
	RoundTrip(ctx context.Context, req Request) (Response, error)
}

// =============================================================================
// DEFAULT HTTP TRANSPORT
// =============================================================================

// HTTPTransport is a net/http-backed Transport. Redirects are surfaced to
// the caller rather than followed: the session layer needs to see a
// redirect-to-login to classify it as an authentication failure.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds the default transport with connection pooling.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// RoundTrip implements Transport.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req Request) (Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, strings.NewReader(req.Body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for _, c := range req.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("transport call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxResponseSize {
		return Response{}, fmt.Errorf("response exceeded %d bytes", MaxResponseSize)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return Response{Status: resp.StatusCode, Headers: headers, Body: body}, nil
}
