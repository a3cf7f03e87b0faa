package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/clockin/internal/model"
)

// Camera hands out sequential file:// locators.
type Camera struct {
	mu   sync.Mutex
	n    int
	Fail bool
}

// Capture returns the next local photo locator.
func (c *Camera) Capture(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail {
		return "", ErrInjected
	}
	c.n++
	return fmt.Sprintf("file:///captures/photo-%03d.jpg", c.n), nil
}

// Geolocator returns a fixed position, or an error when Fail is set.
type Geolocator struct {
	Fix  model.Location
	Fail bool
}

// Locate returns the configured fix.
func (g *Geolocator) Locate(ctx context.Context) (*model.Location, error) {
	if g.Fail {
		return nil, ErrInjected
	}
	loc := g.Fix
	return &loc, nil
}

// Media serves bytes for any file:// locator not listed in Missing.
type Media struct {
	mu      sync.Mutex
	Missing map[string]bool
}

// Read returns the contents of a local locator.
func (m *Media) Read(_ context.Context, locator string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !strings.HasPrefix(locator, "file://") || m.Missing[locator] {
		return nil, fmt.Errorf("read %s: %w", locator, ErrInjected)
	}
	return []byte("jpeg:" + locator), nil
}
