package google

import (
	"context"

	speech "cloud.google.com/go/speech/apiv1"

	"transcript-assembly-service/internal/observability/metrics"
	"transcript-assembly-service/internal/service/stt"
)

// Provider dials the Speech API once and hands out per-chunk adapter
// sessions over the shared client connection.
type Provider struct {
	client *speech.Client
	cfg    Config
}

// NewProvider creates the shared Speech client.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &Provider{client: c, cfg: cfg}, nil
}

// NewSession returns one streaming recognition session. It satisfies
// stt.Factory as a method value.
func (p *Provider) NewSession(ctx context.Context) (stt.Adapter, error) {
	return &Adapter{
		client:  p.client,
		cfg:     p.cfg,
		metrics: metrics.DefaultMetrics,
	}, nil
}

// Close releases the shared client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}
