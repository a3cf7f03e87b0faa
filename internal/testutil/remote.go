package testutil

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"sync"

	"github.com/roach88/clockin/internal/remote"
)

// ErrInjected is returned by doubles configured to fail.
var ErrInjected = errors.New("injected failure")

// TestBucketURL is the base of locators handed out by Content.
const TestBucketURL = "https://firebasestorage.googleapis.com/v0/b/cys-torres-sas.appspot.com"

// Content is an in-memory remote.Content.
type Content struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	uploads int
	fail    bool
}

// NewContent creates an empty Content.
func NewContent() *Content {
	return &Content{blobs: make(map[string][]byte)}
}

// FailUploads makes subsequent uploads fail until called with false.
func (c *Content) FailUploads(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

// Uploads returns the number of successful uploads.
func (c *Content) Uploads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploads
}

// Paths returns the stored paths in order.
func (c *Content) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var paths []string
	for k := range c.blobs {
		paths = append(paths, k)
	}
	slices.Sort(paths)
	return paths
}

// Upload implements remote.Content.
func (c *Content) Upload(ctx context.Context, path string, data []byte, _ string) (remote.Ref, error) {
	if err := ctx.Err(); err != nil {
		return remote.Ref{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return remote.Ref{}, fmt.Errorf("upload %s: %w", path, ErrInjected)
	}
	c.blobs[path] = slices.Clone(data)
	c.uploads++
	return remote.Ref{Path: path}, nil
}

// Locator implements remote.Content.
func (c *Content) Locator(_ context.Context, ref remote.Ref) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.blobs[ref.Path]; !ok {
		return "", remote.ErrNotFound
	}
	return TestBucketURL + "/o/" + url.PathEscape(ref.Path) + "?alt=media", nil
}

// Delete implements remote.Content.
func (c *Content) Delete(_ context.Context, ref remote.Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.blobs[ref.Path]; !ok {
		return remote.ErrNotFound
	}
	delete(c.blobs, ref.Path)
	return nil
}

// Documents is an in-memory remote.Documents.
type Documents struct {
	mu     sync.Mutex
	cols   map[string]map[string]remote.Doc
	writes map[string]int
	nextID int
	fail   bool
}

// NewDocuments creates an empty Documents.
func NewDocuments() *Documents {
	return &Documents{
		cols:   make(map[string]map[string]remote.Doc),
		writes: make(map[string]int),
	}
}

// Fail makes every subsequent call fail until called with false.
func (d *Documents) Fail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

// Writes returns the number of Set/Add calls on collection.
func (d *Documents) Writes(collection string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes[collection]
}

// Count returns the number of documents in collection.
func (d *Documents) Count(collection string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cols[collection])
}

// Get implements remote.Documents.
func (d *Documents) Get(ctx context.Context, collection, id string) (remote.Doc, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, false, ErrInjected
	}
	doc, ok := d.cols[collection][id]
	return maps.Clone(doc), ok, nil
}

// Set implements remote.Documents.
func (d *Documents) Set(ctx context.Context, collection, id string, doc remote.Doc, opts remote.SetOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return ErrInjected
	}
	col := d.cols[collection]
	if col == nil {
		col = make(map[string]remote.Doc)
		d.cols[collection] = col
	}
	if existing, ok := col[id]; ok && opts.Merge {
		merged := maps.Clone(existing)
		maps.Copy(merged, doc)
		col[id] = merged
	} else {
		col[id] = maps.Clone(doc)
	}
	d.writes[collection]++
	return nil
}

// Add implements remote.Documents.
func (d *Documents) Add(ctx context.Context, collection string, doc remote.Doc) (string, error) {
	d.mu.Lock()
	d.nextID++
	id := fmt.Sprintf("doc-%04d", d.nextID)
	d.mu.Unlock()
	if err := d.Set(ctx, collection, id, doc, remote.SetOptions{}); err != nil {
		return "", err
	}
	return id, nil
}

// Query implements remote.Documents.
func (d *Documents) Query(ctx context.Context, collection string, filter remote.Filter) ([]remote.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, ErrInjected
	}
	var out []remote.Record
	var ids []string
	for k := range d.cols[collection] {
		ids = append(ids, k)
	}
	slices.Sort(ids)
	for _, id := range ids {
		doc := d.cols[collection][id]
		match := true
		for k, v := range filter {
			if fmt.Sprint(doc[k]) != fmt.Sprint(v) {
				match = false
				break
			}
		}
		if match {
			out = append(out, remote.Record{ID: id, Doc: maps.Clone(doc)})
		}
	}
	return out, nil
}
