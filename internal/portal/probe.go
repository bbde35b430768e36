package portal

import (
	"context"
	"fmt"
	"time"

	"bidfetch/internal/components/telemetry"

	"github.com/go-resty/resty/v2"
)

// NewProbeClient creates the http client Probe uses.
func NewProbeClient(tel telemetry.API, timeout time.Duration) *resty.Client {
	client := resty.New()
	client.SetHeader("user-agent", UserAgent)
	client.SetTimeout(timeout)
	telemetry.InstrumentResty(client, telemetry.NewScopedAPI("probe", tel))
	return client
}

// Probe fetches url and fails with ErrConnectivity unless it answers 2xx.
func Probe(ctx context.Context, client *resty.Client, url string) error {
	res, err := client.R().
		SetContext(ctx).
		Get(url)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("%w: %s answered %s", ErrConnectivity, url, res.Status())
	}
	return nil
}
