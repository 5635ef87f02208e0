package transfer

import (
	"context"

	"github.com/italolelis/catalog_downloader/internal/telemetry"
)

// InstrumentedClient wraps a Client with telemetry.
type InstrumentedClient struct {
	client     Client
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented transfer client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// ListFiles lists an entry's files with telemetry.
func (c *InstrumentedClient) ListFiles(ctx context.Context, entryID string) ([]*FileDescriptor, error) {
	var result []*FileDescriptor

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "list_files", func(ctx context.Context) error {
		var err error

		result, err = c.client.ListFiles(ctx, entryID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// FetchFile fetches a single file with telemetry. Only the time to first byte is measured;
// the body is streamed by the caller.
func (c *InstrumentedClient) FetchFile(ctx context.Context, fileID string, category FileCategory) (*Payload, error) {
	var result *Payload

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "fetch_file", func(ctx context.Context) error {
		var err error

		result, err = c.client.FetchFile(ctx, fileID, category)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// FetchBundle fetches an entry bundle with telemetry.
func (c *InstrumentedClient) FetchBundle(ctx context.Context, entryID string) (*Payload, error) {
	var result *Payload

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "fetch_bundle", func(ctx context.Context) error {
		var err error

		result, err = c.client.FetchBundle(ctx, entryID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
