// Package reconcile repairs drift between captured asset records and the
// session ledger.
//
// The capture path writes the asset record before the ledger. A crash or a
// lost ledger write between the two leaves an entry photo with no open
// session; the Reconciler synthesizes that session from the record. It is
// run after ledger load, on site switch and after every sync.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/clockin/internal/clock"
	"github.com/roach88/clockin/internal/keys"
	"github.com/roach88/clockin/internal/kv"
	"github.com/roach88/clockin/internal/ledger"
	"github.com/roach88/clockin/internal/locator"
	"github.com/roach88/clockin/internal/model"
)

// DefaultWindow is the proximity under which a record is considered to
// belong to an existing session.
const DefaultWindow = 60 * time.Second

// Result describes what ReconcileSite found and did.
type Result struct {
	Site model.Site

	// EntryLocator and ExitLocator are the resolved locators of the latest
	// records, for display.
	EntryLocator string
	ExitLocator  string

	// Recovered is set when a session was synthesized.
	Recovered bool
	Session   model.Session

	// Duplicate is set when the latest entry record already has a session.
	Duplicate bool

	// BlockedBy names the open site that prevented a synthesis.
	BlockedBy model.Site

	// DanglingExit is set when an exit record exists for a site with no
	// sessions at all.
	DanglingExit bool
}

// Reconciler synthesizes missing sessions from asset records.
type Reconciler struct {
	store  kv.Store
	ledger *ledger.Ledger
	repair *locator.Service
	clock  clock.Clock
	zone   *time.Location
	window time.Duration
	log    *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithWindow sets the entry proximity window.
func WithWindow(d time.Duration) Option {
	return func(r *Reconciler) { r.window = d }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithZone sets the time zone calendar dates are computed in.
func WithZone(loc *time.Location) Option {
	return func(r *Reconciler) { r.zone = loc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// New creates a Reconciler over a loaded ledger.
func New(store kv.Store, l *ledger.Ledger, repair *locator.Service, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		ledger: l,
		repair: repair,
		clock:  clock.Real{},
		zone:   time.UTC,
		window: DefaultWindow,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type candidate struct {
	key string
	rec model.AssetRecord
}

// ReconcileSite reconciles one site.
func (r *Reconciler) ReconcileSite(ctx context.Context, site model.Site) (Result, error) {
	res := Result{Site: site}
	all, err := r.store.Keys(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile %s: %w", site, err)
	}

	if c, ok := r.latest(ctx, all, model.AssetEntry, site, ""); ok {
		res.EntryLocator = c.rec.ImageURL
		if _, open := r.ledger.Open(site); !open {
			r.synthesize(site, c, model.ReasonMissingActiveSession, &res)
		}
	}

	today := r.clock.Now().In(r.zone).Format(model.DateLayout)
	if c, ok := r.latest(ctx, all, model.AssetExit, site, today); ok {
		res.ExitLocator = c.rec.ImageURL
		if len(r.ledger.Sessions(site)) == 0 {
			res.DanglingExit = true
			r.log.Warn("exit record without any session", "site", site, "key", c.key)
		}
	}
	return res, nil
}

// RecoverForExit synthesizes an open session for site from its latest entry
// record so an exit can be recorded. It reports whether a session is now
// open.
func (r *Reconciler) RecoverForExit(ctx context.Context, site model.Site) (bool, error) {
	if _, open := r.ledger.Open(site); open {
		return true, nil
	}
	all, err := r.store.Keys(ctx)
	if err != nil {
		return false, fmt.Errorf("recover %s: %w", site, err)
	}
	c, ok := r.latest(ctx, all, model.AssetEntry, site, "")
	if !ok {
		return false, nil
	}
	var res Result
	r.synthesize(site, c, model.ReasonExitWithoutSession, &res)
	return res.Recovered, nil
}

// latest returns the newest readable record of kind for site. When prefer
// is set, a record dated prefer wins over newer ones.
func (r *Reconciler) latest(ctx context.Context, all []string, kind model.AssetKind, site model.Site, prefer string) (candidate, bool) {
	found := keys.SiteAssets(all, kind, r.ledger.Owner(), site)
	if prefer != "" {
		for i, ak := range found {
			if ak.Date == prefer {
				found[0], found[i] = found[i], found[0]
				break
			}
		}
	}
	for _, ak := range found {
		key := ak.String()
		rec, ok, err := r.repair.RepairRecord(ctx, key)
		if err != nil {
			r.log.Warn("skip unreadable asset record", "key", key, "error", err)
			continue
		}
		if !ok || rec.ImageURL == "" {
			continue
		}
		return candidate{key: key, rec: rec}, true
	}
	return candidate{}, false
}

func (r *Reconciler) synthesize(site model.Site, c candidate, reason string, res *Result) {
	entry, err := model.ParseTime(c.rec.Timestamp)
	if err != nil {
		entry, err = model.ParseTime(c.rec.CreatedAt)
	}
	if err != nil {
		r.log.Warn("asset record has no usable timestamp", "key", c.key)
		return
	}

	for _, s := range r.ledger.Sessions(site) {
		if s.EntryImage != "" && s.EntryImage == c.rec.ImageURL {
			res.Duplicate = true
			return
		}
		if t, err := s.EntryTime(); err == nil && absDuration(t.Sub(entry)) <= r.window {
			res.Duplicate = true
			return
		}
	}

	s := model.Session{
		Entry:            model.FormatTime(entry.In(r.zone)),
		EntryImage:       c.rec.ImageURL,
		EntryLocation:    c.rec.Location,
		EntryKey:         c.key,
		PendingUpload:    locator.IsLocal(c.rec.ImageURL),
		Plant:            site,
		RecreatedAt:      model.FormatTime(r.clock.Now().In(r.zone)),
		RecreatedFrom:    model.RecreatedFromImageCheck,
		RecreationReason: reason,
		AutoRecovery:     true,
	}
	if err := r.ledger.AppendRecovered(site, s); err != nil {
		if model.IsCode(err, model.ErrCodeAlreadyOpenElsewhere) {
			for _, open := range r.ledger.OpenSites() {
				res.BlockedBy = open
			}
		}
		r.log.Warn("cannot recover session", "site", site, "key", c.key, "error", err)
		return
	}
	r.log.Info("recovered session from asset record", "site", site, "key", c.key, "reason", reason)
	res.Recovered = true
	res.Session = s
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
