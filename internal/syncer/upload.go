package syncer

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/roach88/clockin/internal/clock"
	"github.com/roach88/clockin/internal/ids"
	"github.com/roach88/clockin/internal/model"
	"github.com/roach88/clockin/internal/remote"
)

// MediaReader loads the bytes behind a local locator.
type MediaReader interface {
	Read(ctx context.Context, locator string) ([]byte, error)
}

// FileMedia reads file:// locators from the local filesystem.
type FileMedia struct{}

// Read implements MediaReader.
func (FileMedia) Read(_ context.Context, locator string) ([]byte, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, fmt.Errorf("parse locator: %w", err)
	}
	p := u.Path
	if u.Scheme != "file" {
		if u.Scheme != "" {
			return nil, fmt.Errorf("unsupported locator scheme %q", u.Scheme)
		}
		p = locator
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	return data, nil
}

// Uploader moves captured media to the content store.
type Uploader struct {
	content remote.Content
	media   MediaReader
	clock   clock.Clock
	suffix  func() string
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithUploadClock sets the clock used for path timestamps.
func WithUploadClock(c clock.Clock) UploaderOption {
	return func(u *Uploader) { u.clock = c }
}

// WithSuffix sets the random path suffix source.
func WithSuffix(f func() string) UploaderOption {
	return func(u *Uploader) { u.suffix = f }
}

// NewUploader creates an Uploader.
func NewUploader(content remote.Content, media MediaReader, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		content: content,
		media:   media,
		clock:   clock.Real{},
		suffix:  func() string { return ids.Short(6) },
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload stores the media at local under
// registros/{owner}/{unixmillis}_{random}_{filename} and returns its
// durable locator. Failures are UPLOAD_FAILED errors.
func (u *Uploader) Upload(ctx context.Context, owner, local string) (string, error) {
	data, err := u.media.Read(ctx, local)
	if err != nil {
		return "", model.NewUploadFailed(local, err)
	}
	p := fmt.Sprintf("registros/%s/%d_%s_%s", owner, u.clock.Now().UnixMilli(), u.suffix(), fileName(local))
	ref, err := u.content.Upload(ctx, p, data, "image/jpeg")
	if err != nil {
		return "", model.NewUploadFailed(local, err)
	}
	loc, err := u.content.Locator(ctx, ref)
	if err != nil {
		return "", model.NewUploadFailed(local, err)
	}
	return loc, nil
}

func fileName(locator string) string {
	name := locator
	if u, err := url.Parse(locator); err == nil && u.Path != "" {
		name = u.Path
	}
	name = path.Base(name)
	if name == "." || name == "/" || name == "" {
		name = "photo.jpg"
	}
	return strings.ReplaceAll(name, " ", "_")
}
