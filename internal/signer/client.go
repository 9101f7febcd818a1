// Package signer is the client for the storage backend that issues
// time-limited signed URLs for objects and executes server-side recording
// searches.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/avisono/birdsong_downloader/internal/catalog"
	"github.com/avisono/birdsong_downloader/internal/logctx"
)

const (
	// ReadURLTTL is the default lifetime of signed read URLs. Long-lived on
	// purpose: a paused download must be resumable days later without
	// re-signing.
	ReadURLTTL = 30 * 24 * time.Hour

	// UploadURLTTL is the lifetime of signed upload URLs (admin path).
	UploadURLTTL = 10 * time.Minute

	requestTimeout = 15 * time.Second
)

// Client talks to the storage backend's signing and search endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client authenticated with a static bearer token, with
// an otel-instrumented transport.
func NewClient(baseURL, token string) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), tokenSource)
	httpClient.Transport = otelhttp.NewTransport(httpClient.Transport)
	httpClient.Timeout = requestTimeout

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

type signRequest struct {
	ExpiresIn int64 `json:"expiresIn"`
}

type signResponse struct {
	SignedURL string `json:"signedURL"`
}

// CreateSignedReadURL asks the backend for a time-limited HTTPS URL granting
// read access to one object.
func (c *Client) CreateSignedReadURL(ctx context.Context, bucket, objectKey string, ttl time.Duration) (string, error) {
	if objectKey == "" {
		return "", fmt.Errorf("object key is empty")
	}

	endpoint := fmt.Sprintf("%s/storage/sign/%s/%s", c.baseURL, url.PathEscape(bucket), url.PathEscape(objectKey))

	return c.sign(ctx, endpoint, ttl)
}

// CreateSignedUploadURL asks the backend for a short-lived URL granting write
// access to one object. Admin-side media uploads use this; nothing in the
// download path does.
func (c *Client) CreateSignedUploadURL(ctx context.Context, bucket, objectKey string) (string, error) {
	if objectKey == "" {
		return "", fmt.Errorf("object key is empty")
	}

	endpoint := fmt.Sprintf("%s/storage/sign-upload/%s/%s", c.baseURL, url.PathEscape(bucket), url.PathEscape(objectKey))

	return c.sign(ctx, endpoint, UploadURLTTL)
}

// SearchRecordings executes a server-side catalog search.
func (c *Client) SearchRecordings(ctx context.Context, query string) ([]catalog.Recording, error) {
	endpoint := fmt.Sprintf("%s/recordings/search?q=%s", c.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return nil, fmt.Errorf("search failed with status %d: %s", resp.StatusCode, string(body))
	}

	var recordings []catalog.Recording
	if err := json.NewDecoder(resp.Body).Decode(&recordings); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	return recordings, nil
}

func (c *Client) sign(ctx context.Context, endpoint string, ttl time.Duration) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	payload, err := json.Marshal(signRequest{ExpiresIn: int64(ttl.Seconds())})
	if err != nil {
		return "", fmt.Errorf("failed to marshal sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build sign request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sign request failed: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logger.ErrorContext(ctx, "backend refused to sign url", "status", resp.StatusCode, "body", string(body))

		return "", fmt.Errorf("sign failed with status %d", resp.StatusCode)
	}

	var signed signResponse
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", fmt.Errorf("failed to decode sign response: %w", err)
	}

	if signed.SignedURL == "" {
		return "", fmt.Errorf("backend returned an empty signed url")
	}

	// The backend may return a path relative to its own host.
	if strings.HasPrefix(signed.SignedURL, "/") {
		return c.baseURL + signed.SignedURL, nil
	}

	return signed.SignedURL, nil
}
