package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/clockin/internal/attendance"
	"github.com/roach88/clockin/internal/model"
)

// captureOptions holds the photo and position flags of entry and exit.
type captureOptions struct {
	Photo     string
	Latitude  float64
	Longitude float64
	Accuracy  float64
	HasFix    bool
}

func (c *captureOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.Photo, "photo", "", "path to the evidence photo (required)")
	cmd.Flags().Float64Var(&c.Latitude, "lat", 0, "latitude of the capture")
	cmd.Flags().Float64Var(&c.Longitude, "lng", 0, "longitude of the capture")
	cmd.Flags().Float64Var(&c.Accuracy, "accuracy", 0, "accuracy of the position in meters")
	_ = cmd.MarkFlagRequired("photo")
}

func (c *captureOptions) camera() attendance.Camera {
	return fileCamera{path: c.Photo}
}

func (c *captureOptions) geolocator() attendance.Geolocator {
	if !c.HasFix {
		return staticGeolocator{}
	}
	return staticGeolocator{fix: &model.Location{Latitude: c.Latitude, Longitude: c.Longitude, Accuracy: c.Accuracy}}
}

// fileCamera "captures" an existing photo file.
type fileCamera struct {
	path string
}

func (c fileCamera) Capture(ctx context.Context) (string, error) {
	if c.path == "" {
		return "", errors.New("no photo given")
	}
	abs, err := filepath.Abs(c.path)
	if err != nil {
		return "", fmt.Errorf("resolve photo: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("photo: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("photo %s is a directory", abs)
	}
	return (&url.URL{Scheme: "file", Path: abs}).String(), nil
}

var errNoFix = errors.New("no position given")

type staticGeolocator struct {
	fix *model.Location
}

func (g staticGeolocator) Locate(ctx context.Context) (*model.Location, error) {
	if g.fix == nil {
		return nil, errNoFix
	}
	loc := *g.fix
	return &loc, nil
}
