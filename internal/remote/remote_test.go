package remote

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clockin/internal/ids"
)

func setupDocuments(t *testing.T, opts ...DocumentsOption) *SQLiteDocuments {
	t.Helper()
	d, err := OpenDocuments(filepath.Join(t.TempDir(), "remote.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDocuments_SetGet(t *testing.T) {
	ctx := context.Background()
	d := setupDocuments(t)

	_, ok, err := d.Get(ctx, CollectionJornadas, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Set(ctx, CollectionJornadas, "j1", Doc{"userId": "u1", "estado": "cerrada"}, SetOptions{}))
	doc, ok, err := d.Get(ctx, CollectionJornadas, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cerrada", doc["estado"])
}

func TestDocuments_MergeAndReplace(t *testing.T) {
	ctx := context.Background()
	d := setupDocuments(t)

	require.NoError(t, d.Set(ctx, "c", "x", Doc{"a": "1", "b": "2"}, SetOptions{}))
	require.NoError(t, d.Set(ctx, "c", "x", Doc{"b": "3", "c": "4"}, SetOptions{Merge: true}))

	doc, _, err := d.Get(ctx, "c", "x")
	require.NoError(t, err)
	assert.Equal(t, Doc{"a": "1", "b": "3", "c": "4"}, doc)

	require.NoError(t, d.Set(ctx, "c", "x", Doc{"z": "9"}, SetOptions{}))
	doc, _, err = d.Get(ctx, "c", "x")
	require.NoError(t, err)
	assert.Equal(t, Doc{"z": "9"}, doc)
}

func TestDocuments_AddAndQuery(t *testing.T) {
	ctx := context.Background()
	d := setupDocuments(t, WithIDGenerator(ids.NewFixed("01", "02", "03")))

	for _, owner := range []string{"u1", "u2", "u1"} {
		_, err := d.Add(ctx, CollectionRegistros, Doc{"userId": owner, "plant": "Planta 1"})
		require.NoError(t, err)
	}

	recs, err := d.Query(ctx, CollectionRegistros, Filter{"userId": "u1"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "01", recs[0].ID)
	assert.Equal(t, "03", recs[1].ID)

	recs, err = d.Query(ctx, CollectionRegistros, Filter{"userId": "u1", "plant": "Planta 2"})
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = d.Query(ctx, CollectionJornadas, nil)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDirContent_UploadLocatorDelete(t *testing.T) {
	ctx := context.Background()
	c, err := NewDirContent(t.TempDir(), "https://storage.test/v0/b/bucket.appspot.com/")
	require.NoError(t, err)

	ref, err := c.Upload(ctx, "registros/u1/1_ab_photo.jpg", []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "registros/u1/1_ab_photo.jpg", ref.Path)

	loc, err := c.Locator(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "https://storage.test/v0/b/bucket.appspot.com/o/registros%2Fu1%2F1_ab_photo.jpg?alt=media", loc)

	require.NoError(t, c.Delete(ctx, ref))
	_, err = c.Locator(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, c.Delete(ctx, ref), ErrNotFound)
}

func TestDirContent_StaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	c, err := NewDirContent(root, "https://storage.test")
	require.NoError(t, err)

	f, err := c.file("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "etc", "passwd"), f)
}

func TestSignal_Transitions(t *testing.T) {
	ctx := context.Background()
	s := NewSignal(false)

	st, err := s.Fetch(ctx)
	require.NoError(t, err)
	assert.False(t, st.Online())

	ch, cancel := s.Subscribe()
	defer cancel()

	s.Set(false) // unchanged, no event
	s.Set(true)

	select {
	case st := <-ch:
		assert.True(t, st.Online())
	case <-time.After(time.Second):
		t.Fatal("no transition delivered")
	}

	s.SetState(NetState{Connected: true, InternetReachable: false})
	st = <-ch
	assert.False(t, st.Online())
}

func TestSignal_CancelClosesChannel(t *testing.T) {
	s := NewSignal(true)
	ch, cancel := s.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	s.Set(false) // no panic on closed subscriber
}
