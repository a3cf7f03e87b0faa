package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DirContent is a Content store that keeps blobs under a directory and
// hands out locators under a base URL.
type DirContent struct {
	root    string
	baseURL string
}

// NewDirContent creates a DirContent rooted at root. baseURL is the bucket
// endpoint, e.g. "https://firebasestorage.googleapis.com/v0/b/my-bucket.appspot.com".
func NewDirContent(root, baseURL string) (*DirContent, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	return &DirContent{root: root, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (c *DirContent) file(p string) (string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("empty content path %q", p)
	}
	return filepath.Join(c.root, filepath.FromSlash(clean)), nil
}

// Upload implements Content.
func (c *DirContent) Upload(ctx context.Context, p string, data []byte, _ string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	f, err := c.file(p)
	if err != nil {
		return Ref{}, err
	}
	if err := os.MkdirAll(filepath.Dir(f), 0o755); err != nil {
		return Ref{}, fmt.Errorf("upload %s: %w", p, err)
	}
	if err := os.WriteFile(f, data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("upload %s: %w", p, err)
	}
	return Ref{Path: strings.TrimPrefix(path.Clean("/"+p), "/")}, nil
}

// Locator implements Content.
func (c *DirContent) Locator(_ context.Context, ref Ref) (string, error) {
	f, err := c.file(ref.Path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("locator %s: %w", ref.Path, ErrNotFound)
		}
		return "", fmt.Errorf("locator %s: %w", ref.Path, err)
	}
	return c.baseURL + "/o/" + url.PathEscape(ref.Path) + "?alt=media", nil
}

// Delete implements Content.
func (c *DirContent) Delete(_ context.Context, ref Ref) error {
	f, err := c.file(ref.Path)
	if err != nil {
		return err
	}
	if err := os.Remove(f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", ref.Path, ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", ref.Path, err)
	}
	return nil
}
