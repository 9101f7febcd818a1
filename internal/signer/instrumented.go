package signer

import (
	"context"
	"time"

	"github.com/avisono/birdsong_downloader/internal/catalog"
	"github.com/avisono/birdsong_downloader/internal/telemetry"
)

// InstrumentedClient wraps a Client with telemetry.
type InstrumentedClient struct {
	client    *Client
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient decorates client with per-operation telemetry.
func NewInstrumentedClient(client *Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{client: client, telemetry: tel}
}

// CreateSignedReadURL creates a signed read URL with telemetry.
func (c *InstrumentedClient) CreateSignedReadURL(ctx context.Context, bucket, objectKey string, ttl time.Duration) (string, error) {
	var result string

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, "signer", "create_signed_read_url", func(ctx context.Context) error {
		result, err = c.client.CreateSignedReadURL(ctx, bucket, objectKey, ttl)

		return err
	})

	if instrumentedErr != nil {
		return "", instrumentedErr
	}

	return result, nil
}

// CreateSignedUploadURL creates a signed upload URL with telemetry.
func (c *InstrumentedClient) CreateSignedUploadURL(ctx context.Context, bucket, objectKey string) (string, error) {
	var result string

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, "signer", "create_signed_upload_url", func(ctx context.Context) error {
		result, err = c.client.CreateSignedUploadURL(ctx, bucket, objectKey)

		return err
	})

	if instrumentedErr != nil {
		return "", instrumentedErr
	}

	return result, nil
}

// SearchRecordings executes a catalog search with telemetry.
func (c *InstrumentedClient) SearchRecordings(ctx context.Context, query string) ([]catalog.Recording, error) {
	var result []catalog.Recording

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, "signer", "search_recordings", func(ctx context.Context) error {
		result, err = c.client.SearchRecordings(ctx, query)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
