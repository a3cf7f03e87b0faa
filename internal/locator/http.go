package locator

import (
	"context"
	"fmt"
	"net/http"
)

// HTTPProber probes locators with HEAD requests.
type HTTPProber struct {
	Client *http.Client
}

// Probe implements Prober.
func (p HTTPProber) Probe(ctx context.Context, locator string) (int, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, locator, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe: %w", err)
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
