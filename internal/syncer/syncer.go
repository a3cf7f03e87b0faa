package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/clockin/internal/canon"
	"github.com/roach88/clockin/internal/clock"
	"github.com/roach88/clockin/internal/keys"
	"github.com/roach88/clockin/internal/kv"
	"github.com/roach88/clockin/internal/ledger"
	"github.com/roach88/clockin/internal/locator"
	"github.com/roach88/clockin/internal/model"
	"github.com/roach88/clockin/internal/remote"
)

// Config tunes the orchestrator.
type Config struct {
	// ProbeTimeout bounds the document store reachability probe.
	ProbeTimeout time.Duration
	// Timeout bounds one whole pass.
	Timeout time.Duration
	// Retries is the number of extra attempts after a failed pass.
	Retries int
	// Backoff is the delay before the first retry; it doubles each time.
	Backoff time.Duration
	// PollInterval triggers periodic passes from Run. Zero disables polling.
	PollInterval time.Duration
	// AppVersion is stamped on pushed session documents.
	AppVersion string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout: 5 * time.Second,
		Timeout:      20 * time.Second,
		Retries:      2,
		Backoff:      3 * time.Second,
		AppVersion:   "1.0",
	}
}

// Report summarizes a pass.
type Report struct {
	Skipped        bool `json:"skipped,omitempty"`
	Uploaded       int  `json:"uploaded"`
	UploadFailures int  `json:"upload_failures"`
	Pushed         int  `json:"pushed"`
	PushFailures   int  `json:"push_failures"`
}

// Orchestrator synchronizes one owner's ledger and asset records.
type Orchestrator struct {
	owner    string
	store    kv.Store
	ledger   *ledger.Ledger
	uploader *Uploader
	docs     remote.Documents
	net      remote.Connectivity
	cfg      Config
	device   model.DeviceInfo
	clock    clock.Clock
	log      *slog.Logger

	afterSync func(ctx context.Context)
	onImage   func(kind model.AssetKind, site model.Site, locator string)
	skip      func(key string) bool

	inFlight atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithClock sets the clock used for timestamps and backoff.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithDevice sets the device stamped on pushed documents.
func WithDevice(d model.DeviceInfo) Option {
	return func(o *Orchestrator) { o.device = d }
}

// WithAfterSync registers a hook run after every successful pass.
func WithAfterSync(f func(ctx context.Context)) Option {
	return func(o *Orchestrator) { o.afterSync = f }
}

// WithImageCallback registers a hook fired when an image gets a remote
// locator.
func WithImageCallback(f func(kind model.AssetKind, site model.Site, locator string)) Option {
	return func(o *Orchestrator) { o.onImage = f }
}

// WithSkipRecord registers a filter for asset records another writer is
// still working on. Skipped records and their images are left for a later
// pass.
func WithSkipRecord(f func(key string) bool) Option {
	return func(o *Orchestrator) { o.skip = f }
}

// New creates an Orchestrator for the owner of l.
func New(store kv.Store, l *ledger.Ledger, uploader *Uploader, docs remote.Documents, net remote.Connectivity, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		owner:    l.Owner(),
		store:    store,
		ledger:   l,
		uploader: uploader,
		docs:     docs,
		net:      net,
		cfg:      DefaultConfig(),
		clock:    clock.Real{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetAfterSync replaces the after-sync hook. It must be called before the
// first pass.
func (o *Orchestrator) SetAfterSync(f func(ctx context.Context)) { o.afterSync = f }

// SetImageCallback replaces the image hook. It must be called before the
// first pass.
func (o *Orchestrator) SetImageCallback(f func(kind model.AssetKind, site model.Site, locator string)) {
	o.onImage = f
}

// SetSkipRecord replaces the record filter. It must be called before the
// first pass.
func (o *Orchestrator) SetSkipRecord(f func(key string) bool) { o.skip = f }

// Uploader returns the uploader shared with the capture path.
func (o *Orchestrator) Uploader() *Uploader { return o.uploader }

// InFlight reports whether a pass is running.
func (o *Orchestrator) InFlight() bool { return o.inFlight.Load() }

// Online reports whether connectivity currently allows remote calls.
func (o *Orchestrator) Online(ctx context.Context) bool {
	st, err := o.net.Fetch(ctx)
	return err == nil && st.Online()
}

// Synchronize runs one pass. A nil error with Skipped unset means success.
func (o *Orchestrator) Synchronize(ctx context.Context) (Report, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		o.log.Debug("sync already in flight")
		return Report{Skipped: true}, nil
	}
	defer o.inFlight.Store(false)

	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	var rep Report
	st, err := o.net.Fetch(ctx)
	if err != nil {
		return rep, model.NewSyncUnreachable("connectivity check failed", err)
	}
	if !st.Online() {
		return rep, model.NewSyncUnreachable("offline", nil)
	}
	if err := o.probe(ctx); err != nil {
		return rep, model.NewSyncUnreachable("document store unreachable", err)
	}

	attempted := make(map[string]bool)
	if err := o.uploadRecords(ctx, &rep, attempted); err != nil {
		return rep, err
	}
	o.uploadLedgerImages(ctx, &rep, attempted)
	o.pushSessions(ctx, &rep)

	if err := o.ledger.FlushNow(ctx); err != nil {
		o.log.Warn("flush ledger after sync failed", "error", err)
	}
	o.log.Info("sync completed", "owner", o.owner,
		"uploaded", rep.Uploaded, "pushed", rep.Pushed,
		"upload_failures", rep.UploadFailures, "push_failures", rep.PushFailures)

	if o.afterSync != nil {
		o.afterSync(ctx)
	}
	return rep, nil
}

func (o *Orchestrator) probe(ctx context.Context) error {
	timeout := o.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, _, err := o.docs.Get(ctx, remote.CollectionConnectionTest, remote.ConnectionTestDoc)
	return err
}

func (o *Orchestrator) uploadRecords(ctx context.Context, rep *Report, attempted map[string]bool) error {
	all, err := o.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list asset records: %w", err)
	}
	for _, ak := range keys.OwnerAssets(all, o.owner) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		key := ak.String()
		var rec model.AssetRecord
		ok, err := kv.GetJSON(ctx, o.store, key, &rec)
		if err != nil {
			o.log.Warn("skip unreadable asset record", "key", key, "error", err)
			continue
		}
		if !ok || !locator.IsLocal(rec.ImageURL) {
			continue
		}

		local := rec.ImageURL
		attempted[local] = true
		if o.skip != nil && o.skip(key) {
			o.log.Debug("asset record in use, skipped", "key", key)
			continue
		}
		remoteLoc, err := o.uploader.Upload(ctx, o.owner, local)
		if err != nil {
			rep.UploadFailures++
			o.log.Warn("upload failed", "key", key, "error", err)
			continue
		}
		now := model.FormatTime(o.clock.Now())
		rec.ImageURL = remoteLoc
		rec.Status = model.StatusUploaded
		rec.UploadedAt = now
		rec.SyncedAt = now
		rec.SyncStatus = model.SyncCompleted
		if err := kv.SetJSON(ctx, o.store, key, rec); err != nil {
			rep.UploadFailures++
			o.log.Warn("persist uploaded record failed", "key", key, "error", err)
			continue
		}
		o.ledger.ReplaceLocator(local, remoteLoc)
		rep.Uploaded++
		if o.onImage != nil {
			o.onImage(ak.Kind, ak.Site, remoteLoc)
		}
	}
	return nil
}

// uploadLedgerImages covers sessions whose asset record is gone.
func (o *Orchestrator) uploadLedgerImages(ctx context.Context, rep *Report, seen map[string]bool) {
	for _, list := range o.ledger.Snapshot() {
		for _, s := range list {
			for _, loc := range []string{s.EntryImage, s.ExitImage} {
				if !locator.IsLocal(loc) || seen[loc] {
					continue
				}
				seen[loc] = true
				remoteLoc, err := o.uploader.Upload(ctx, o.owner, loc)
				if err != nil {
					rep.UploadFailures++
					o.log.Warn("upload session image failed", "error", err)
					continue
				}
				o.ledger.ReplaceLocator(loc, remoteLoc)
				rep.Uploaded++
			}
		}
	}
}

func (o *Orchestrator) pushSessions(ctx context.Context, rep *Report) {
	snap := o.ledger.Snapshot()
	for _, site := range o.ledger.Sites() {
		for _, s := range snap[site] {
			if !s.IsComplete() || s.RemoteID != "" || locator.IsLocal(s.EntryImage) || locator.IsLocal(s.ExitImage) {
				continue
			}
			id, err := canon.SessionDocID(o.owner, string(site), s.Entry)
			if err != nil {
				rep.PushFailures++
				o.log.Warn("session id failed", "site", site, "error", err)
				continue
			}
			doc, err := o.sessionDoc(site, s)
			if err != nil {
				rep.PushFailures++
				o.log.Warn("encode session failed", "site", site, "error", err)
				continue
			}
			if err := o.docs.Set(ctx, remote.CollectionRegistros, id, doc, remote.SetOptions{}); err != nil {
				rep.PushFailures++
				o.log.Warn("push session failed", "site", site, "entry", s.Entry, "error", err)
				continue
			}
			o.ledger.MarkPushed(site, s.Entry, id)
			rep.Pushed++
		}
	}
}

func (o *Orchestrator) sessionDoc(site model.Site, s model.Session) (remote.Doc, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var doc remote.Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	delete(doc, "remoteId")
	delete(doc, "pendingUpload")
	doc["userId"] = o.owner
	doc["plant"] = string(site)
	doc["syncedAt"] = model.FormatTime(o.clock.Now())
	doc["device"] = map[string]any{"platform": o.device.Platform, "version": o.device.Version}
	doc["appVersion"] = o.cfg.AppVersion
	return doc, nil
}

// SynchronizeWithRetry runs a pass and retries failures with doubling
// backoff, Retries times.
func (o *Orchestrator) SynchronizeWithRetry(ctx context.Context) (Report, error) {
	rep, err := o.Synchronize(ctx)
	backoff := o.cfg.Backoff
	for attempt := 1; err != nil && attempt <= o.cfg.Retries; attempt++ {
		o.log.Info("sync failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		if serr := clock.Sleep(ctx, o.clock, backoff); serr != nil {
			return rep, serr
		}
		rep, err = o.Synchronize(ctx)
		backoff *= 2
	}
	if err != nil {
		o.log.Warn("sync gave up", "retries", o.cfg.Retries, "error", err)
	}
	return rep, err
}

// Run drives passes until ctx is done. An offline to online transition
// triggers SynchronizeWithRetry; the poll interval triggers Synchronize.
func (o *Orchestrator) Run(ctx context.Context) error {
	changes, unsubscribe := o.net.Subscribe()
	defer unsubscribe()

	wasOnline := o.Online(ctx)
	var poll <-chan time.Time
	if o.cfg.PollInterval > 0 {
		poll = o.clock.After(o.cfg.PollInterval)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-changes:
			if !ok {
				return nil
			}
			online := st.Online()
			if online && !wasOnline {
				o.log.Info("connectivity restored, syncing")
				_, _ = o.SynchronizeWithRetry(ctx)
			}
			wasOnline = online
		case <-poll:
			if _, err := o.Synchronize(ctx); err != nil {
				o.log.Debug("periodic sync failed", "error", err)
			}
			poll = o.clock.After(o.cfg.PollInterval)
		}
	}
}
