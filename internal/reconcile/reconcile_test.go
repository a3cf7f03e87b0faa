package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clockin/internal/keys"
	"github.com/roach88/clockin/internal/kv"
	"github.com/roach88/clockin/internal/ledger"
	"github.com/roach88/clockin/internal/locator"
	"github.com/roach88/clockin/internal/model"
	"github.com/roach88/clockin/internal/testutil"
)

var (
	plant1 = model.Site("Planta 1")
	plant2 = model.Site("Planta 2")
	cot    = time.FixedZone("COT", -5*3600)
	t0     = time.Date(2024, 3, 1, 8, 0, 0, 0, cot)
)

const (
	good = "cys-torres-sas.appspot.com"
	bad  = "cys-torres-sas.firebasestorage.app"
)

type fixture struct {
	store  *kv.Memory
	ledger *ledger.Ledger
	clock  *testutil.FakeClock
	rec    *Reconciler
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := kv.NewMemory()
	clk := testutil.NewFakeClock(t0.Add(2 * time.Hour))
	l := ledger.Load(ctx, store, "u1", []model.Site{plant1, plant2}, ledger.WithClock(clk))
	t.Cleanup(func() { l.Close(ctx) })
	repair := locator.New(store, good, bad, locator.WithClock(clk))
	return &fixture{
		store:  store,
		ledger: l,
		clock:  clk,
		rec:    New(store, l, repair, WithClock(clk), WithZone(cot)),
	}
}

func (f *fixture) putRecord(t *testing.T, kind model.AssetKind, site model.Site, at time.Time, loc string) string {
	t.Helper()
	date := at.In(cot).Format(model.DateLayout)
	key := keys.Asset(kind, "u1", site, date)
	require.NoError(t, kv.SetJSON(context.Background(), f.store, key, model.AssetRecord{
		ImageURL:     loc,
		Plant:        site,
		Timestamp:    model.FormatTime(at),
		JornadaFecha: date,
		CreatedAt:    model.FormatTime(at),
	}))
	return key
}

func TestReconcileSite_SynthesizesOrphanEntry(t *testing.T) {
	f := setup(t)
	key := f.putRecord(t, model.AssetEntry, plant1, t0, "file:///captures/a.jpg")

	res, err := f.rec.ReconcileSite(context.Background(), plant1)
	require.NoError(t, err)
	require.True(t, res.Recovered)
	assert.Equal(t, "file:///captures/a.jpg", res.EntryLocator)

	open, ok := f.ledger.Open(plant1)
	require.True(t, ok)
	assert.Equal(t, "2024-03-01T08:00:00.000-05:00", open.Entry)
	assert.Equal(t, key, open.EntryKey)
	assert.True(t, open.AutoRecovery)
	assert.True(t, open.PendingUpload)
	assert.Equal(t, model.RecreatedFromImageCheck, open.RecreatedFrom)
	assert.Equal(t, model.ReasonMissingActiveSession, open.RecreationReason)
	assert.Equal(t, "2024-03-01T10:00:00.000-05:00", open.RecreatedAt)

	res, err = f.rec.ReconcileSite(context.Background(), plant1)
	require.NoError(t, err)
	assert.False(t, res.Recovered, "open session exists")
	assert.Len(t, f.ledger.Sessions(plant1), 1)
}

func TestReconcileSite_NoRecordsNoop(t *testing.T) {
	f := setup(t)

	res, err := f.rec.ReconcileSite(context.Background(), plant1)
	require.NoError(t, err)
	assert.Equal(t, Result{Site: plant1}, res)
}

func TestReconcileSite_SameLocatorIsDuplicate(t *testing.T) {
	f := setup(t)
	loc := "https://cdn.test/" + good + "/a.jpg"
	f.putRecord(t, model.AssetEntry, plant1, t0, loc)
	require.NoError(t, f.ledger.AppendEntry(plant1, model.Session{Entry: model.FormatTime(t0.Add(-time.Hour)), EntryImage: loc}))
	require.NoError(t, f.ledger.RecordExit(plant1, model.ExitFields{Exit: model.FormatTime(t0.Add(time.Hour))}))

	res, err := f.rec.ReconcileSite(context.Background(), plant1)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Recovered)
	assert.Len(t, f.ledger.Sessions(plant1), 1)
}

func TestReconcileSite_ProximityWindow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.putRecord(t, model.AssetEntry, plant1, t0, "file:///captures/1.jpg")
	res, err := f.rec.ReconcileSite(ctx, plant1)
	require.NoError(t, err)
	require.True(t, res.Recovered)
	require.NoError(t, f.ledger.RecordExit(plant1, model.ExitFields{Exit: model.FormatTime(t0.Add(10 * time.Minute))}))

	// 30 seconds later with a different locator: same session.
	f.putRecord(t, model.AssetEntry, plant1, t0.Add(30*time.Second), "file:///captures/2.jpg")
	res, err = f.rec.ReconcileSite(ctx, plant1)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Len(t, f.ledger.Sessions(plant1), 1)

	// 90 seconds later with a different locator: a new session.
	f.putRecord(t, model.AssetEntry, plant1, t0.Add(90*time.Second), "file:///captures/3.jpg")
	res, err = f.rec.ReconcileSite(ctx, plant1)
	require.NoError(t, err)
	assert.True(t, res.Recovered)
	assert.Len(t, f.ledger.Sessions(plant1), 2)
}

func TestReconcileSite_BlockedByOtherOpenSite(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.ledger.AppendEntry(plant2, model.Session{Entry: model.FormatTime(t0.Add(-time.Hour))}))
	f.putRecord(t, model.AssetEntry, plant1, t0, "file:///captures/a.jpg")

	res, err := f.rec.ReconcileSite(context.Background(), plant1)
	require.NoError(t, err)
	assert.False(t, res.Recovered)
	assert.Equal(t, plant2, res.BlockedBy)
	assert.Equal(t, []model.Site{plant2}, f.ledger.OpenSites())
}

func TestReconcileSite_FallsBackToOlderRecord(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.putRecord(t, model.AssetEntry, plant1, t0.Add(-24*time.Hour), "file:///captures/yesterday.jpg")
	require.NoError(t, f.store.Set(ctx, keys.Asset(model.AssetEntry, "u1", plant1, "2024-03-01"), "{broken"))

	res, err := f.rec.ReconcileSite(ctx, plant1)
	require.NoError(t, err)
	require.True(t, res.Recovered)
	assert.Equal(t, "file:///captures/yesterday.jpg", res.Session.EntryImage)
}

func TestReconcileSite_RepairsBadDomain(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	badLoc := "https://firebasestorage.googleapis.com/v0/b/" + bad + "/o/a.jpg"
	goodLoc := "https://firebasestorage.googleapis.com/v0/b/" + good + "/o/a.jpg"
	key := f.putRecord(t, model.AssetEntry, plant1, t0, badLoc)

	res, err := f.rec.ReconcileSite(ctx, plant1)
	require.NoError(t, err)
	assert.Equal(t, goodLoc, res.EntryLocator)
	assert.Equal(t, goodLoc, res.Session.EntryImage)
	assert.False(t, res.Session.PendingUpload)

	var stored model.AssetRecord
	_, err = kv.GetJSON(ctx, f.store, key, &stored)
	require.NoError(t, err)
	assert.Equal(t, goodLoc, stored.ImageURL)
	assert.True(t, stored.URLFixed)
}

func TestReconcileSite_ExitRecords(t *testing.T) {
	f := setup(t)
	f.putRecord(t, model.AssetExit, plant1, t0.Add(-48*time.Hour), "https://cdn.test/old.jpg")

	res, err := f.rec.ReconcileSite(context.Background(), plant1)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/old.jpg", res.ExitLocator)
	assert.True(t, res.DanglingExit)
	assert.False(t, res.Recovered, "exit records never create sessions")

	f.putRecord(t, model.AssetExit, plant1, t0, "https://cdn.test/today.jpg")
	require.NoError(t, f.ledger.AppendEntry(plant1, model.Session{Entry: model.FormatTime(t0.Add(-time.Hour))}))
	res, err = f.rec.ReconcileSite(context.Background(), plant1)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/today.jpg", res.ExitLocator)
	assert.False(t, res.DanglingExit)
}

func TestRecoverForExit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ok, err := f.rec.RecoverForExit(ctx, plant1)
	require.NoError(t, err)
	assert.False(t, ok, "nothing to recover from")

	f.putRecord(t, model.AssetEntry, plant1, t0, "file:///captures/a.jpg")
	ok, err = f.rec.RecoverForExit(ctx, plant1)
	require.NoError(t, err)
	require.True(t, ok)

	open, _ := f.ledger.Open(plant1)
	assert.Equal(t, model.ReasonExitWithoutSession, open.RecreationReason)

	ok, err = f.rec.RecoverForExit(ctx, plant1)
	require.NoError(t, err)
	assert.True(t, ok, "already open")
	assert.Len(t, f.ledger.Sessions(plant1), 1)
}
