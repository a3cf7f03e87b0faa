package attendance

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/clockin/internal/clock"
	"github.com/roach88/clockin/internal/keys"
	"github.com/roach88/clockin/internal/kv"
	"github.com/roach88/clockin/internal/ledger"
	"github.com/roach88/clockin/internal/locator"
	"github.com/roach88/clockin/internal/model"
	"github.com/roach88/clockin/internal/reconcile"
	"github.com/roach88/clockin/internal/remote"
	"github.com/roach88/clockin/internal/syncer"
)

// Camera captures a photo and returns its local locator.
type Camera interface {
	Capture(ctx context.Context) (string, error)
}

// Geolocator returns the current position.
type Geolocator interface {
	Locate(ctx context.Context) (*model.Location, error)
}

// Config tunes the machine.
type Config struct {
	// Zone is the time zone calendar dates and timestamps are rendered in.
	Zone *time.Location
	// UploadTimeout bounds the upload attempted during registration.
	UploadTimeout time.Duration
	// LocateTimeout bounds the location fix.
	LocateTimeout time.Duration
	// SyncDelay is how long after a registration the background sync runs.
	SyncDelay time.Duration
	// Device is stamped on records and snapshots.
	Device model.DeviceInfo
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Zone:          time.UTC,
		UploadTimeout: 15 * time.Second,
		LocateTimeout: 10 * time.Second,
		SyncDelay:     2 * time.Second,
	}
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Store        kv.Store
	Ledger       *ledger.Ledger
	Reconciler   *reconcile.Reconciler
	Repair       *locator.Service
	Orchestrator *syncer.Orchestrator
	Documents    remote.Documents
	Camera       Camera
	Geolocator   Geolocator
}

// Receipt is the outcome of a registration.
type Receipt struct {
	Site      model.Site    `json:"site"`
	Session   model.Session `json:"session"`
	AssetKey  string        `json:"asset_key"`
	Uploaded  bool          `json:"uploaded"`
	Recovered bool          `json:"recovered,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
}

// Status is the read-side summary shown to the user.
type Status struct {
	Owner      string       `json:"owner"`
	Selected   model.Site   `json:"selected"`
	OpenSites  []model.Site `json:"open_sites"`
	LastAction string       `json:"last_action,omitempty"`
	EntryImage string       `json:"entry_image,omitempty"`
	ExitImage  string       `json:"exit_image,omitempty"`
	Report     Report       `json:"report"`
}

// Machine runs the attendance lifecycle of one owner.
type Machine struct {
	deps  Deps
	owner string
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	busy  atomic.Bool
	alive atomic.Bool

	mu         sync.Mutex
	selected   model.Site
	lastAction string
	entryImage string
	exitImage  string
	syncTimer  clock.Timer
	// capturing is the asset key written by the registration in progress.
	capturing string
}

// Option configures a Machine.
type Option func(*Machine)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(m *Machine) { m.cfg = cfg }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// New creates a Machine. The orchestrator's after-sync and image hooks are
// taken over by the machine.
func New(deps Deps, opts ...Option) *Machine {
	m := &Machine{
		deps:  deps,
		owner: deps.Ledger.Owner(),
		cfg:   DefaultConfig(),
		clock: clock.Real{},
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.Zone == nil {
		m.cfg.Zone = time.UTC
	}
	if sites := deps.Ledger.Sites(); len(sites) > 0 {
		m.selected = sites[0]
	}
	if o := deps.Orchestrator; o != nil {
		o.SetAfterSync(m.afterSync)
		o.SetImageCallback(m.onImage)
		o.SetSkipRecord(m.claimed)
	}
	return m
}

// Start restores the selected site and last action, migrates stale
// locators when online and reconciles the selected site.
func (m *Machine) Start(ctx context.Context) error {
	m.alive.Store(true)

	if raw, ok, err := m.deps.Store.Get(ctx, keys.SelectedSite); err != nil {
		m.log.Warn("read selected site failed", "error", err)
	} else if ok {
		if site := model.NormalizeSite(raw); m.deps.Ledger.Known(site) {
			m.setSelected(site)
		} else {
			m.log.Warn("stored site is not configured, using default", "site", raw, "default", m.Selected())
		}
	}
	if msg, ok, err := m.deps.Store.Get(ctx, keys.LastAction(m.owner)); err == nil && ok {
		m.mu.Lock()
		m.lastAction = msg
		m.mu.Unlock()
	}

	if m.deps.Repair != nil && m.online(ctx) {
		if _, err := m.deps.Repair.Migrate(ctx, m.owner); err != nil {
			m.log.Warn("locator migration failed", "error", err)
		}
	}
	_, err := m.reconcile(ctx, m.Selected())
	return err
}

// Close stops scheduled work and flushes the ledger.
func (m *Machine) Close(ctx context.Context) error {
	m.alive.Store(false)
	m.mu.Lock()
	if m.syncTimer != nil {
		m.syncTimer.Stop()
		m.syncTimer = nil
	}
	m.mu.Unlock()
	return m.deps.Ledger.Close(ctx)
}

// Selected returns the selected site.
func (m *Machine) Selected() model.Site {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

func (m *Machine) setSelected(site model.Site) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selected != site {
		m.entryImage, m.exitImage = "", ""
	}
	m.selected = site
}

// SelectSite switches the selected site, persists the choice and
// reconciles the new site.
func (m *Machine) SelectSite(ctx context.Context, site model.Site) (reconcile.Result, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return reconcile.Result{}, model.NewBusy()
	}
	defer m.release()

	site = model.NormalizeSite(string(site))
	if !m.deps.Ledger.Known(site) {
		return reconcile.Result{}, model.NewInvalidTransition(site, "unknown site")
	}
	if err := m.deps.Store.Set(ctx, keys.SelectedSite, string(site)); err != nil {
		m.log.Warn("persist selected site failed", "error", err)
	}
	m.setSelected(site)
	return m.reconcile(ctx, site)
}

func (m *Machine) reconcile(ctx context.Context, site model.Site) (reconcile.Result, error) {
	if m.deps.Reconciler == nil || site == "" {
		return reconcile.Result{Site: site}, nil
	}
	res, err := m.deps.Reconciler.ReconcileSite(ctx, site)
	if err != nil {
		return res, err
	}
	m.mu.Lock()
	if m.selected == site {
		m.entryImage, m.exitImage = res.EntryLocator, res.ExitLocator
	}
	m.mu.Unlock()
	if res.DanglingExit {
		m.log.Warn("exit photo without entry", "site", site)
	}
	return res, nil
}

func (m *Machine) afterSync(ctx context.Context) {
	if !m.alive.Load() {
		return
	}
	if m.busy.Load() {
		m.log.Debug("registration in progress, reconcile deferred")
		return
	}
	if _, err := m.reconcile(ctx, m.Selected()); err != nil {
		m.log.Warn("reconcile after sync failed", "error", err)
	}
}

// release ends the operation holding the busy flag.
func (m *Machine) release() {
	m.mu.Lock()
	m.capturing = ""
	m.mu.Unlock()
	m.busy.Store(false)
}

// claimed reports whether key belongs to the registration in progress.
// Sync passes leave such records to the capture path.
func (m *Machine) claimed(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturing != "" && m.capturing == key
}

func (m *Machine) onImage(kind model.AssetKind, site model.Site, loc string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if site != m.selected {
		return
	}
	switch kind {
	case model.AssetEntry:
		m.entryImage = loc
	case model.AssetExit:
		m.exitImage = loc
	}
}

func (m *Machine) online(ctx context.Context) bool {
	return m.deps.Orchestrator != nil && m.deps.Orchestrator.Online(ctx)
}

// RegisterEntry opens a session at site.
func (m *Machine) RegisterEntry(ctx context.Context, site model.Site) (Receipt, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return Receipt{}, model.NewBusy()
	}
	defer m.release()

	site = model.NormalizeSite(string(site))
	if !m.deps.Ledger.Known(site) {
		return Receipt{}, model.NewInvalidTransition(site, "unknown site")
	}
	if open := m.deps.Ledger.OpenSites(); len(open) > 0 {
		if slices.Contains(open, site) {
			return Receipt{}, model.NewAlreadyOpenHere(site)
		}
		return Receipt{}, model.NewAlreadyOpenElsewhere(site, open[0])
	}

	c, err := m.capture(ctx, model.AssetEntry, site)
	if err != nil {
		return Receipt{}, err
	}
	s := model.Session{
		Entry:         c.rec.Timestamp,
		EntryImage:    c.rec.ImageURL,
		EntryLocation: c.rec.Location,
		EntryKey:      c.key,
		PendingUpload: !c.uploaded,
		Plant:         site,
	}
	if err := m.deps.Ledger.AppendEntry(site, s); err != nil {
		return Receipt{}, err
	}

	if c.uploaded {
		if err := m.notifyEntry(ctx, site, c); err != nil {
			m.log.Warn("entry notification failed", "error", err)
			c.warnings = append(c.warnings, "entry notification not sent")
		}
	}
	m.setLastAction(ctx, fmt.Sprintf("Entry registered at %s at %s", site, c.at.Format("15:04")))
	m.showImage(site, model.AssetEntry, c.rec.ImageURL)
	m.scheduleSync()

	m.log.Info("entry registered", "owner", m.owner, "site", site, "uploaded", c.uploaded)
	return Receipt{Site: site, Session: s, AssetKey: c.key, Uploaded: c.uploaded, Warnings: c.warnings}, nil
}

// RegisterExit closes the open session at site.
func (m *Machine) RegisterExit(ctx context.Context, site model.Site) (Receipt, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return Receipt{}, model.NewBusy()
	}
	defer m.release()

	site = model.NormalizeSite(string(site))
	if !m.deps.Ledger.Known(site) {
		return Receipt{}, model.NewInvalidTransition(site, "unknown site")
	}

	recovered := false
	if _, ok := m.deps.Ledger.Open(site); !ok {
		if m.deps.Reconciler == nil {
			return Receipt{}, model.NewNoOpenSession(site)
		}
		ok, err := m.deps.Reconciler.RecoverForExit(ctx, site)
		if err != nil {
			return Receipt{}, fmt.Errorf("register exit: %w", err)
		}
		if !ok {
			return Receipt{}, model.NewNoOpenSession(site)
		}
		recovered = true
		m.log.Info("recovered session before exit", "site", site)
	}

	c, err := m.capture(ctx, model.AssetExit, site)
	if err != nil {
		return Receipt{}, err
	}
	if err := m.deps.Ledger.RecordExit(site, model.ExitFields{
		Exit:          c.rec.Timestamp,
		ExitImage:     c.rec.ImageURL,
		ExitLocation:  c.rec.Location,
		ExitKey:       c.key,
		PendingUpload: !c.uploaded,
	}); err != nil {
		return Receipt{}, err
	}
	list := m.deps.Ledger.Sessions(site)
	s := list[len(list)-1]

	m.setLastAction(ctx, fmt.Sprintf("Exit registered at %s at %s", site, c.at.Format("15:04")))
	m.showImage(site, model.AssetExit, c.rec.ImageURL)
	m.scheduleSync()

	m.log.Info("exit registered", "owner", m.owner, "site", site, "uploaded", c.uploaded)
	return Receipt{Site: site, Session: s, AssetKey: c.key, Uploaded: c.uploaded, Recovered: recovered, Warnings: c.warnings}, nil
}

type captured struct {
	at       time.Time
	key      string
	rec      model.AssetRecord
	uploaded bool
	warnings []string
}

// capture takes the photo, persists the asset record and tries to upload.
func (m *Machine) capture(ctx context.Context, kind model.AssetKind, site model.Site) (captured, error) {
	local, err := m.deps.Camera.Capture(ctx)
	if err != nil || local == "" {
		return captured{}, model.NewCaptureFailed(err)
	}

	var c captured
	var loc *model.Location
	if m.deps.Geolocator != nil {
		lctx, cancel := context.WithTimeout(ctx, m.cfg.LocateTimeout)
		loc, err = m.deps.Geolocator.Locate(lctx)
		cancel()
		if err != nil {
			m.log.Warn("location unavailable", "error", err)
			c.warnings = append(c.warnings, "location unavailable")
			loc = nil
		}
	}

	c.at = m.clock.Now().In(m.cfg.Zone)
	date := c.at.Format(model.DateLayout)
	now := model.FormatTime(c.at)
	c.key = keys.Asset(kind, m.owner, site, date)
	m.mu.Lock()
	m.capturing = c.key
	m.mu.Unlock()
	c.rec = model.AssetRecord{
		ImageURL:     local,
		Plant:        site,
		Timestamp:    now,
		JornadaFecha: date,
		Location:     loc,
		DeviceInfo:   m.cfg.Device,
		CreatedAt:    now,
		Status:       model.StatusLocal,
	}
	if err := kv.SetJSON(ctx, m.deps.Store, c.key, c.rec); err != nil {
		return captured{}, fmt.Errorf("persist asset record: %w", err)
	}

	if !m.online(ctx) {
		c.warnings = append(c.warnings, "offline: photo saved locally and will upload later")
		return c, nil
	}
	uctx, cancel := context.WithTimeout(ctx, m.cfg.UploadTimeout)
	remoteLoc, err := m.deps.Orchestrator.Uploader().Upload(uctx, m.owner, local)
	cancel()
	if err != nil {
		m.log.Warn("upload failed, keeping local photo", "key", c.key, "error", err)
		c.warnings = append(c.warnings, "upload failed: photo saved locally and will upload later")
		return c, nil
	}

	c.rec.ImageURL = remoteLoc
	c.rec.Status = model.StatusUploaded
	c.rec.UploadedAt = model.FormatTime(m.clock.Now().In(m.cfg.Zone))
	if err := kv.SetJSON(ctx, m.deps.Store, c.key, c.rec); err != nil {
		m.log.Warn("persist uploaded locator failed", "key", c.key, "error", err)
	}
	c.uploaded = true
	return c, nil
}

func (m *Machine) notifyEntry(ctx context.Context, site model.Site, c captured) error {
	if m.deps.Documents == nil {
		return nil
	}
	doc := remote.Doc{
		"userId":    m.owner,
		"planta":    string(site),
		"timestamp": c.rec.Timestamp,
		"imagenUrl": c.rec.ImageURL,
		"createdAt": model.FormatTime(m.clock.Now().In(m.cfg.Zone)),
	}
	if c.rec.Location != nil {
		doc["location"] = map[string]any{
			"latitude":  c.rec.Location.Latitude,
			"longitude": c.rec.Location.Longitude,
			"accuracy":  c.rec.Location.Accuracy,
		}
	}
	_, err := m.deps.Documents.Add(ctx, remote.CollectionNotifications, doc)
	return err
}

func (m *Machine) showImage(site model.Site, kind model.AssetKind, loc string) {
	m.onImage(kind, site, loc)
}

func (m *Machine) setLastAction(ctx context.Context, msg string) {
	m.mu.Lock()
	m.lastAction = msg
	m.mu.Unlock()
	if err := m.deps.Store.Set(ctx, keys.LastAction(m.owner), msg); err != nil {
		m.log.Warn("persist last action failed", "error", err)
	}
}

// scheduleSync runs a background synchronize after SyncDelay, replacing
// any pending one.
func (m *Machine) scheduleSync() {
	o := m.deps.Orchestrator
	if o == nil || !m.alive.Load() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.syncTimer != nil {
		m.syncTimer.Stop()
	}
	m.syncTimer = m.clock.AfterFunc(m.cfg.SyncDelay, func() {
		if !m.alive.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := o.Synchronize(ctx); err != nil {
			m.log.Debug("background sync failed", "error", err)
		}
	})
}

// CloseDay archives the day. It fails with INCOMPLETE_DAY, leaving
// everything untouched, while any site is open.
func (m *Machine) CloseDay(ctx context.Context) (model.Jornada, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return model.Jornada{}, model.NewBusy()
	}
	defer m.busy.Store(false)

	if open := m.deps.Ledger.OpenSites(); len(open) > 0 {
		return model.Jornada{}, model.NewIncompleteDay(open)
	}

	if o := m.deps.Orchestrator; o != nil {
		if _, err := o.Synchronize(ctx); err != nil {
			m.log.Warn("sync before close failed, closing with local state", "error", err)
		}
	}

	snap := m.deps.Ledger.Snapshot()
	dates := m.sessionDates(snap)
	if len(dates) == 0 {
		return model.Jornada{}, model.NewInvalidTransition("", "no sessions to close")
	}

	now := m.clock.Now().In(m.cfg.Zone)
	j := model.Jornada{
		UserID:        m.owner,
		Fecha:         dates[0],
		Plantas:       map[model.Site][]model.Session(snap),
		ClosedLocally: true,
		ClosedAt:      model.FormatTime(now),
		IncludedDates: dates,
		Device:        m.cfg.Device,
		Hours:         LedgerHours(snap),
		State:         model.JornadaCerrada,
	}
	key := keys.Jornada(j.Fecha, m.owner)
	if err := kv.SetJSON(ctx, m.deps.Store, key, j); err != nil {
		return model.Jornada{}, fmt.Errorf("close day: %w", err)
	}
	if err := m.pushJornada(ctx, key, j); err != nil {
		return model.Jornada{}, err
	}

	m.deleteClosedAssets(ctx, dates)
	m.deps.Ledger.Reset()
	if err := m.deps.Ledger.FlushNow(ctx); err != nil {
		m.log.Warn("flush ledger after close failed", "error", err)
	}
	m.mu.Lock()
	m.entryImage, m.exitImage = "", ""
	m.mu.Unlock()
	m.setLastAction(ctx, fmt.Sprintf("Day %s closed: %s", j.Fecha, j.Hours.Total))

	m.log.Info("day closed", "owner", m.owner, "fecha", j.Fecha, "hours", j.Hours.Total, "dates", len(dates))
	return j, nil
}

func (m *Machine) sessionDates(snap ledger.Sessions) []string {
	set := make(map[string]bool)
	for _, list := range snap {
		for _, s := range list {
			t, err := s.EntryTime()
			if err != nil {
				continue
			}
			set[t.In(m.cfg.Zone).Format(model.DateLayout)] = true
		}
	}
	dates := make([]string, 0, len(set))
	for d := range set {
		dates = append(dates, d)
	}
	slices.Sort(dates)
	return dates
}

func (m *Machine) pushJornada(ctx context.Context, key string, j model.Jornada) error {
	if m.deps.Documents == nil {
		return nil
	}
	doc, err := jornadaDoc(j)
	if err != nil {
		return fmt.Errorf("encode jornada: %w", err)
	}
	if err := m.deps.Documents.Set(ctx, remote.CollectionJornadas, key, doc, remote.SetOptions{}); err != nil {
		return model.NewSyncUnreachable("store closed day remotely", err)
	}
	return nil
}

func (m *Machine) deleteClosedAssets(ctx context.Context, dates []string) {
	all, err := m.deps.Store.Keys(ctx)
	if err != nil {
		m.log.Warn("list asset records failed", "error", err)
		return
	}
	for _, ak := range keys.OwnerAssets(all, m.owner) {
		if !slices.Contains(dates, ak.Date) {
			continue
		}
		if err := m.deps.Store.Remove(ctx, ak.String()); err != nil {
			m.log.Warn("delete asset record failed", "key", ak.String(), "error", err)
		}
	}
}

// RemoveEntryImage deletes the latest entry record of site and clears its
// locator from the matching session.
func (m *Machine) RemoveEntryImage(ctx context.Context, site model.Site) error {
	site = model.NormalizeSite(string(site))
	all, err := m.deps.Store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("remove entry image: %w", err)
	}
	found := keys.SiteAssets(all, model.AssetEntry, m.owner, site)
	if len(found) == 0 {
		return model.NewInvalidTransition(site, "no entry image to remove")
	}
	key := found[0].String()
	var rec model.AssetRecord
	if _, err := kv.GetJSON(ctx, m.deps.Store, key, &rec); err != nil {
		m.log.Warn("entry record unreadable, removing anyway", "key", key, "error", err)
	}
	if err := m.deps.Store.Remove(ctx, key); err != nil {
		return fmt.Errorf("remove entry image: %w", err)
	}
	m.deps.Ledger.StripEntryImage(site, rec.ImageURL)
	m.mu.Lock()
	if m.selected == site {
		m.entryImage = ""
	}
	m.mu.Unlock()
	return nil
}

// Status returns the current summary.
func (m *Machine) Status() Status {
	snap := m.deps.Ledger.Snapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Owner:      m.owner,
		Selected:   m.selected,
		OpenSites:  m.deps.Ledger.OpenSites(),
		LastAction: m.lastAction,
		EntryImage: m.entryImage,
		ExitImage:  m.exitImage,
		Report:     BuildReport(m.deps.Ledger.Sites(), snap),
	}
}
