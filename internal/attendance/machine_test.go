package attendance

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clockin/internal/keys"
	"github.com/roach88/clockin/internal/kv"
	"github.com/roach88/clockin/internal/ledger"
	"github.com/roach88/clockin/internal/locator"
	"github.com/roach88/clockin/internal/model"
	"github.com/roach88/clockin/internal/reconcile"
	"github.com/roach88/clockin/internal/remote"
	"github.com/roach88/clockin/internal/syncer"
	"github.com/roach88/clockin/internal/testutil"
)

var (
	plant1 = model.Site("Planta 1")
	plant2 = model.Site("Planta 2")
	cot    = time.FixedZone("COT", -5*3600)
	t0     = time.Date(2024, 3, 1, 8, 0, 0, 0, cot)
	device = model.DeviceInfo{Platform: "android", Version: "14"}
	fix    = model.Location{Latitude: 4.6097, Longitude: -74.0817, Accuracy: 12.5}
)

type fixture struct {
	store   *kv.Memory
	ledger  *ledger.Ledger
	content *testutil.Content
	upload  remote.Content
	docs    *testutil.Documents
	net     *remote.Signal
	clock   *testutil.FakeClock
	camera  Camera
	geo     *testutil.Geolocator
	orch    *syncer.Orchestrator
	machine *Machine
}

type fixtureOption func(*fixture)

func withCamera(c Camera) fixtureOption {
	return func(f *fixture) { f.camera = c }
}

// syncingContent runs during before every upload it forwards.
type syncingContent struct {
	*testutil.Content
	during func()
}

func (c *syncingContent) Upload(ctx context.Context, path string, data []byte, contentType string) (remote.Ref, error) {
	if c.during != nil {
		c.during()
	}
	return c.Content.Upload(ctx, path, data, contentType)
}

// withUploadHook runs during(f) inside every photo upload.
func withUploadHook(during func(f *fixture)) fixtureOption {
	return func(f *fixture) {
		c := &syncingContent{Content: f.content}
		c.during = func() { during(f) }
		f.upload = c
	}
}

func offline() fixtureOption {
	return func(f *fixture) { f.net.Set(false) }
}

func setup(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store:   kv.NewMemory(),
		content: testutil.NewContent(),
		docs:    testutil.NewDocuments(),
		net:     remote.NewSignal(true),
		clock:   testutil.NewFakeClock(t0),
		camera:  &testutil.Camera{},
		geo:     &testutil.Geolocator{Fix: fix},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.upload == nil {
		f.upload = f.content
	}
	f.build(t)
	return f
}

// build wires a machine over the fixture's store, as a fresh process would.
func (f *fixture) build(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	f.ledger = ledger.Load(ctx, f.store, "u1", []model.Site{plant1, plant2}, ledger.WithClock(f.clock))
	repair := locator.New(f.store, "cys-torres-sas.appspot.com", "cys-torres-sas.firebasestorage.app",
		locator.WithClock(f.clock))
	rec := reconcile.New(f.store, f.ledger, repair, reconcile.WithClock(f.clock), reconcile.WithZone(cot))
	up := syncer.NewUploader(f.upload, &testutil.Media{},
		syncer.WithUploadClock(f.clock), syncer.WithSuffix(func() string { return "abc123" }))
	f.orch = syncer.New(f.store, f.ledger, up, f.docs, f.net,
		syncer.WithClock(f.clock), syncer.WithDevice(device))

	cfg := DefaultConfig()
	cfg.Zone = cot
	cfg.Device = device
	f.machine = New(Deps{
		Store:        f.store,
		Ledger:       f.ledger,
		Reconciler:   rec,
		Repair:       repair,
		Orchestrator: f.orch,
		Documents:    f.docs,
		Camera:       f.camera,
		Geolocator:   f.geo,
	}, WithConfig(cfg), WithClock(f.clock))
	require.NoError(t, f.machine.Start(ctx))
	t.Cleanup(func() { f.machine.Close(ctx) })
}

func (f *fixture) record(t *testing.T, key string) model.AssetRecord {
	t.Helper()
	var rec model.AssetRecord
	ok, err := kv.GetJSON(context.Background(), f.store, key, &rec)
	require.NoError(t, err)
	require.True(t, ok, "missing record %s", key)
	return rec
}

func TestRegisterEntry_Online(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	r, err := f.machine.RegisterEntry(ctx, plant1)
	require.NoError(t, err)
	assert.True(t, r.Uploaded)
	assert.Empty(t, r.Warnings)
	assert.Equal(t, "entryImage_u1_Planta 1_2024-03-01", r.AssetKey)
	assert.True(t, strings.HasPrefix(r.Session.EntryImage, testutil.TestBucketURL))
	assert.False(t, r.Session.PendingUpload)
	assert.Equal(t, "2024-03-01T08:00:00.000-05:00", r.Session.Entry)

	rec := f.record(t, r.AssetKey)
	assert.Equal(t, model.StatusUploaded, rec.Status)
	assert.Equal(t, r.Session.EntryImage, rec.ImageURL)
	assert.Equal(t, "2024-03-01", rec.JornadaFecha)
	assert.Equal(t, device, rec.DeviceInfo)

	assert.Equal(t, 1, f.docs.Count(remote.CollectionNotifications))
	assert.Equal(t, []model.Site{plant1}, f.ledger.OpenSites())
	assert.Equal(t, r.Session.EntryImage, f.machine.Status().EntryImage)
}

func TestRegisterEntry_OfflineKeepsLocalPhoto(t *testing.T) {
	ctx := context.Background()
	f := setup(t, offline())

	r, err := f.machine.RegisterEntry(ctx, plant1)
	require.NoError(t, err)
	assert.False(t, r.Uploaded)
	assert.NotEmpty(t, r.Warnings)
	assert.Equal(t, "file:///captures/photo-001.jpg", r.Session.EntryImage)
	assert.True(t, r.Session.PendingUpload)
	assert.Equal(t, model.StatusLocal, f.record(t, r.AssetKey).Status)
	assert.Zero(t, f.docs.Count(remote.CollectionNotifications))
}

func TestRegisterEntry_UploadFailureIsWarning(t *testing.T) {
	f := setup(t)
	f.content.FailUploads(true)

	r, err := f.machine.RegisterEntry(context.Background(), plant1)
	require.NoError(t, err)
	assert.False(t, r.Uploaded)
	assert.True(t, r.Session.PendingUpload)
	assert.Len(t, r.Warnings, 1)
}

func TestRegisterEntry_Exclusivity(t *testing.T) {
	ctx := context.Background()
	f := setup(t, offline())
	_, err := f.machine.RegisterEntry(ctx, plant1)
	require.NoError(t, err)

	_, err = f.machine.RegisterEntry(ctx, plant1)
	assert.True(t, model.IsCode(err, model.ErrCodeAlreadyOpenHere))

	_, err = f.machine.RegisterEntry(ctx, plant2)
	require.True(t, model.IsCode(err, model.ErrCodeAlreadyOpenElsewhere))
	var me *model.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, plant1, me.Sites[0])
	assert.Empty(t, f.ledger.Sessions(plant2))
}

func TestRegisterEntry_UnknownSite(t *testing.T) {
	f := setup(t)
	_, err := f.machine.RegisterEntry(context.Background(), "Planta 9")
	assert.True(t, model.IsCode(err, model.ErrCodeInvalidTransition))
}

func TestRegisterEntry_CaptureFailure(t *testing.T) {
	f := setup(t, withCamera(&testutil.Camera{Fail: true}))

	_, err := f.machine.RegisterEntry(context.Background(), plant1)
	assert.True(t, model.IsCode(err, model.ErrCodeCaptureFailed))
	assert.Empty(t, f.ledger.OpenSites())
	all, err := f.store.Keys(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, all, "entryImage_u1_Planta 1_2024-03-01")
}

func TestRegisterEntry_NoLocation(t *testing.T) {
	f := setup(t, offline())
	f.geo.Fail = true

	r, err := f.machine.RegisterEntry(context.Background(), plant1)
	require.NoError(t, err)
	assert.Nil(t, r.Session.EntryLocation)
	assert.Contains(t, r.Warnings, "location unavailable")
}

func TestRegisterExit_ClosesSession(t *testing.T) {
	ctx := context.Background()
	f := setup(t, offline())
	_, err := f.machine.RegisterEntry(ctx, plant1)
	require.NoError(t, err)
	f.clock.Advance(90 * time.Minute)

	r, err := f.machine.RegisterExit(ctx, plant1)
	require.NoError(t, err)
	assert.False(t, r.Recovered)
	assert.Equal(t, "2024-03-01T09:30:00.000-05:00", r.Session.Exit)
	assert.Equal(t, "exitImage_u1_Planta 1_2024-03-01", r.Session.ExitKey)
	assert.Empty(t, f.ledger.OpenSites())
	assert.Equal(t, "1h 30m", f.machine.Status().Report.Total.Total)
}

func TestRegisterExit_NoOpenSession(t *testing.T) {
	f := setup(t)
	_, err := f.machine.RegisterExit(context.Background(), plant1)
	assert.True(t, model.IsCode(err, model.ErrCodeNoOpenSession))
}

func TestRegisterExit_RecoversFromEntryRecord(t *testing.T) {
	ctx := context.Background()
	f := setup(t, offline())
	key := keys.Asset(model.AssetEntry, "u1", plant2, "2024-03-01")
	require.NoError(t, kv.SetJSON(ctx, f.store, key, model.AssetRecord{
		ImageURL:  "file:///captures/lost.jpg",
		Plant:     plant2,
		Timestamp: "2024-03-01T07:10:00.000-05:00",
	}))

	r, err := f.machine.RegisterExit(ctx, plant2)
	require.NoError(t, err)
	assert.True(t, r.Recovered)
	assert.True(t, r.Session.AutoRecovery)
	assert.Equal(t, model.ReasonExitWithoutSession, r.Session.RecreationReason)
	assert.Equal(t, "2024-03-01T07:10:00.000-05:00", r.Session.Entry)
	assert.True(t, r.Session.IsComplete())
}

type blockingCamera struct {
	started chan struct{}
	release chan struct{}
}

func (c *blockingCamera) Capture(ctx context.Context) (string, error) {
	close(c.started)
	<-c.release
	return "file:///captures/slow.jpg", nil
}

func TestRegister_BusyRejectsOverlap(t *testing.T) {
	cam := &blockingCamera{started: make(chan struct{}), release: make(chan struct{})}
	f := setup(t, offline(), withCamera(cam))

	done := make(chan error, 1)
	go func() {
		_, err := f.machine.RegisterEntry(context.Background(), plant1)
		done <- err
	}()
	<-cam.started

	_, err := f.machine.RegisterExit(context.Background(), plant1)
	assert.True(t, model.IsCode(err, model.ErrCodeBusy))
	_, err = f.machine.CloseDay(context.Background())
	assert.True(t, model.IsCode(err, model.ErrCodeBusy))

	close(cam.release)
	require.NoError(t, <-done)
}

func TestRegisterEntry_OverlappingSyncLeavesRecordAlone(t *testing.T) {
	ctx := context.Background()
	var rep syncer.Report
	var syncErr error
	calls := 0
	f := setup(t, withUploadHook(func(f *fixture) {
		calls++
		if calls == 1 {
			rep, syncErr = f.orch.Synchronize(ctx)
		}
	}))

	r, err := f.machine.RegisterEntry(ctx, plant1)
	require.NoError(t, err)
	require.NoError(t, syncErr)
	assert.Zero(t, rep.Uploaded)
	assert.Equal(t, 1, f.content.Uploads())

	list := f.ledger.Sessions(plant1)
	require.Len(t, list, 1)
	assert.False(t, list[0].AutoRecovery)
	assert.Empty(t, list[0].RecreationReason)
	assert.Equal(t, list[0].EntryImage, f.record(t, r.AssetKey).ImageURL)
}

func TestSelectSite_Busy(t *testing.T) {
	cam := &blockingCamera{started: make(chan struct{}), release: make(chan struct{})}
	f := setup(t, offline(), withCamera(cam))

	done := make(chan error, 1)
	go func() {
		_, err := f.machine.RegisterEntry(context.Background(), plant1)
		done <- err
	}()
	<-cam.started

	_, err := f.machine.SelectSite(context.Background(), plant2)
	assert.True(t, model.IsCode(err, model.ErrCodeBusy))

	close(cam.release)
	require.NoError(t, <-done)
	assert.Equal(t, plant1, f.machine.Selected())
}

func TestMachine_RandomInterleavingsKeepExclusivity(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	f := setup(t, withUploadHook(func(f *fixture) {
		if rng.Intn(3) == 0 {
			_, _ = f.orch.Synchronize(ctx)
		}
	}))
	sites := []model.Site{plant1, plant2}

	for i := 0; i < 300; i++ {
		site := sites[rng.Intn(len(sites))]
		var err error
		switch rng.Intn(5) {
		case 0, 1:
			_, err = f.machine.RegisterEntry(ctx, site)
		case 2, 3:
			_, err = f.machine.RegisterExit(ctx, site)
		case 4:
			f.net.Set(rng.Intn(2) == 0)
		}
		if err != nil {
			require.True(t, model.IsTransitionError(err), "step %d: %v", i, err)
		}
		f.clock.Advance(time.Duration(1+rng.Intn(180)) * time.Second)

		require.LessOrEqual(t, len(f.ledger.OpenSites()), 1, "step %d", i)
		for _, s := range sites {
			list := f.ledger.Sessions(s)
			for j, sess := range list {
				if j < len(list)-1 {
					require.False(t, sess.IsOpen(), "only the last session may be open (step %d)", i)
				}
			}
		}
	}
}

func TestScheduledSyncUploadsAfterReconnect(t *testing.T) {
	ctx := context.Background()
	f := setup(t, offline())
	r, err := f.machine.RegisterEntry(ctx, plant1)
	require.NoError(t, err)
	require.True(t, r.Session.PendingUpload)

	f.net.Set(true)
	f.clock.Advance(2 * time.Second)

	assert.Equal(t, 1, f.content.Uploads())
	assert.Equal(t, model.StatusUploaded, f.record(t, r.AssetKey).Status)
	open, ok := f.ledger.Open(plant1)
	require.True(t, ok)
	assert.False(t, open.PendingUpload)
	assert.Equal(t, open.EntryImage, f.machine.Status().EntryImage)
}

func TestCloseStopsScheduledSync(t *testing.T) {
	ctx := context.Background()
	f := setup(t, offline())
	_, err := f.machine.RegisterEntry(ctx, plant1)
	require.NoError(t, err)
	require.NoError(t, f.machine.Close(ctx))

	f.net.Set(true)
	f.clock.Advance(time.Minute)
	assert.Zero(t, f.content.Uploads())
}

func TestCloseDay_RejectsOpenSite(t *testing.T) {
	ctx := context.Background()
	f := setup(t, offline())
	_, err := f.machine.RegisterEntry(ctx, plant2)
	require.NoError(t, err)
	before := f.ledger.Snapshot()

	_, err = f.machine.CloseDay(ctx)
	require.True(t, model.IsCode(err, model.ErrCodeIncompleteDay))
	var me *model.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, []model.Site{plant2}, me.Sites)
	assert.Equal(t, before, f.ledger.Snapshot())
	assert.Zero(t, f.docs.Count(remote.CollectionJornadas))
}

func TestCloseDay_NothingToClose(t *testing.T) {
	f := setup(t, offline())
	_, err := f.machine.CloseDay(context.Background())
	assert.True(t, model.IsCode(err, model.ErrCodeInvalidTransition))
}

// workDay registers two sessions on 2024-03-01: 2h30m15s at Planta 1 and
// 1h45m50s at Planta 2.
func workDay(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		wait  time.Duration
		site  model.Site
		entry bool
	}{
		{0, plant1, true},
		{2*time.Hour + 30*time.Minute + 15*time.Second, plant1, false},
		{30 * time.Minute, plant2, true},
		{time.Hour + 45*time.Minute + 50*time.Second, plant2, false},
	}
	for _, st := range steps {
		f.clock.Advance(st.wait)
		var err error
		if st.entry {
			_, err = f.machine.RegisterEntry(ctx, st.site)
		} else {
			_, err = f.machine.RegisterExit(ctx, st.site)
		}
		require.NoError(t, err)
	}
}

func TestCloseDay_Snapshot(t *testing.T) {
	ctx := context.Background()
	f := setup(t, offline())
	workDay(t, f)

	j, err := f.machine.CloseDay(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.NewHours(4, 15), j.Hours)

	data, err := json.MarshalIndent(j, "", "  ")
	require.NoError(t, err)
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "close_day_snapshot", append(data, '\n'))

	var stored model.Jornada
	ok, err := kv.GetJSON(ctx, f.store, keys.Jornada("2024-03-01", "u1"), &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, j, stored)

	doc, ok, err := f.docs.Get(ctx, remote.CollectionJornadas, "jornada_2024-03-01_u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2024, doc["year"])
	assert.Equal(t, 3, doc["month"])
	assert.Equal(t, 1, doc["day"])
	assert.Equal(t, "cerrada", doc["estado"])
	assert.Len(t, doc["digest"], 64)

	all, err := f.store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys.OwnerAssets(all, "u1"))
	assert.Equal(t, ledger.Skeleton([]model.Site{plant1, plant2}), f.ledger.Snapshot())
	assert.Contains(t, f.machine.Status().LastAction, "4h 15m")
}

func TestCloseDay_KeepsOtherDatesAssets(t *testing.T) {
	ctx := context.Background()
	f := setup(t, offline())
	other := keys.Asset(model.AssetEntry, "u1", plant1, "2024-02-28")
	require.NoError(t, kv.SetJSON(ctx, f.store, other, model.AssetRecord{ImageURL: "file:///old.jpg", Plant: plant1}))
	workDay(t, f)

	_, err := f.machine.CloseDay(ctx)
	require.NoError(t, err)
	all, err := f.store.Keys(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, other)
}

func TestCloseDay_RemoteFailureLeavesLedger(t *testing.T) {
	ctx := context.Background()
	f := setup(t, offline())
	workDay(t, f)
	before := f.ledger.Snapshot()
	f.docs.Fail(true)

	_, err := f.machine.CloseDay(ctx)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrCodeSyncUnreachable))
	assert.Equal(t, before, f.ledger.Snapshot())

	all, err := f.store.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys.OwnerAssets(all, "u1"), 4)

	f.docs.Fail(false)
	_, err = f.machine.CloseDay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.docs.Count(remote.CollectionJornadas))
}

func TestSelectSite(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	assert.Equal(t, plant1, f.machine.Selected())

	_, err := f.machine.SelectSite(ctx, "Planta 2")
	require.NoError(t, err)
	assert.Equal(t, plant2, f.machine.Selected())
	v, ok, err := f.store.Get(ctx, keys.SelectedSite)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Planta 2", v)

	_, err = f.machine.SelectSite(ctx, "Nowhere")
	assert.True(t, model.IsCode(err, model.ErrCodeInvalidTransition))
	assert.Equal(t, plant2, f.machine.Selected())
}

func TestStart_RestoresSiteAndRecoversSession(t *testing.T) {
	ctx := context.Background()
	f := setup(t, offline())
	require.NoError(t, f.store.Set(ctx, keys.SelectedSite, "Planta 2"))
	key := keys.Asset(model.AssetEntry, "u1", plant2, "2024-03-01")
	require.NoError(t, kv.SetJSON(ctx, f.store, key, model.AssetRecord{
		ImageURL:  "file:///captures/crash.jpg",
		Plant:     plant2,
		Timestamp: "2024-03-01T07:55:00.000-05:00",
	}))
	require.NoError(t, f.machine.Close(ctx))

	f.build(t)
	assert.Equal(t, plant2, f.machine.Selected())
	open, ok := f.ledger.Open(plant2)
	require.True(t, ok)
	assert.Equal(t, model.ReasonMissingActiveSession, open.RecreationReason)
	assert.Equal(t, "file:///captures/crash.jpg", f.machine.Status().EntryImage)
}

func TestRemoveEntryImage(t *testing.T) {
	ctx := context.Background()
	f := setup(t, offline())
	r, err := f.machine.RegisterEntry(ctx, plant1)
	require.NoError(t, err)

	require.NoError(t, f.machine.RemoveEntryImage(ctx, plant1))
	_, ok, err := f.store.Get(ctx, r.AssetKey)
	require.NoError(t, err)
	assert.False(t, ok)
	open, ok := f.ledger.Open(plant1)
	require.True(t, ok)
	assert.Empty(t, open.EntryImage)
	assert.Empty(t, f.machine.Status().EntryImage)

	err = f.machine.RemoveEntryImage(ctx, plant1)
	assert.True(t, model.IsCode(err, model.ErrCodeInvalidTransition))
}
