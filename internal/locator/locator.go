// Package locator normalizes and repairs image locators.
//
// Locators written by older clients may point at a storage domain that no
// longer serves the object. The Service rewrites known-bad domains to the
// known-good one, optionally probes known-good locators, and persists
// corrections back onto the asset record. Resolution never fails: every
// problem degrades to the best locator available and is logged.
package locator

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/clockin/internal/clock"
	"github.com/roach88/clockin/internal/keys"
	"github.com/roach88/clockin/internal/kv"
	"github.com/roach88/clockin/internal/model"
)

// DefaultProbeTimeout bounds a reachability probe.
const DefaultProbeTimeout = 3 * time.Second

var localPrefixes = []string{"file://", "content://", "ph://", "/"}

// IsLocal reports whether locator refers to a device-local file that has
// not been uploaded.
func IsLocal(locator string) bool {
	for _, p := range localPrefixes {
		if strings.HasPrefix(locator, p) {
			return true
		}
	}
	return false
}

// IsRemote reports whether locator is a non-empty remote locator.
func IsRemote(locator string) bool {
	return locator != "" && !IsLocal(locator)
}

// Prober checks whether a locator resolves. It returns the HTTP status, or
// an error for network failures and timeouts.
type Prober interface {
	Probe(ctx context.Context, locator string) (int, error)
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Locator string
	Fixed   bool
}

// Service resolves and repairs locators.
type Service struct {
	store   kv.Store
	good    string
	bad     string
	prober  Prober
	timeout time.Duration
	clock   clock.Clock
	log     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithProber enables reachability probing of known-good locators.
func WithProber(p Prober) Option {
	return func(s *Service) { s.prober = p }
}

// WithProbeTimeout sets the probe deadline.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithClock sets the clock used for fixedAt stamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New creates a Service. good and bad are the storage domain fragments
// recognized inside locators.
func New(store kv.Store, good, bad string, opts ...Option) *Service {
	s := &Service{
		store:   store,
		good:    good,
		bad:     bad,
		timeout: DefaultProbeTimeout,
		clock:   clock.Real{},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns the best locator for locator.
func (s *Service) Resolve(ctx context.Context, locator string) Resolution {
	if locator == "" || IsLocal(locator) {
		return Resolution{Locator: locator}
	}
	if s.bad != "" && strings.Contains(locator, s.bad) {
		fixed := strings.ReplaceAll(locator, s.bad, s.good)
		s.log.Info("rewrote locator domain", "from", s.bad, "to", s.good)
		return Resolution{Locator: fixed, Fixed: true}
	}
	if s.prober == nil || s.good == "" || !strings.Contains(locator, s.good) {
		return Resolution{Locator: locator}
	}

	alternate := strings.ReplaceAll(locator, s.good, s.bad)
	status, err := s.probe(ctx, locator)
	if err != nil {
		s.log.Warn("locator probe failed, using alternate domain", "error", err)
		return Resolution{Locator: alternate, Fixed: true}
	}
	if status != http.StatusNotFound {
		return Resolution{Locator: locator}
	}

	altStatus, err := s.probe(ctx, alternate)
	if err == nil && altStatus >= 200 && altStatus < 300 {
		s.log.Info("locator not found, alternate domain reachable", "status", altStatus)
		return Resolution{Locator: alternate, Fixed: true}
	}
	s.log.Warn("locator not found on either domain", "status", status)
	return Resolution{Locator: locator}
}

func (s *Service) probe(ctx context.Context, locator string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.prober.Probe(ctx, locator)
}

// RepairRecord resolves the locator of the asset record at key and
// persists the correction. It reports false if the record does not exist.
func (s *Service) RepairRecord(ctx context.Context, key string) (model.AssetRecord, bool, error) {
	var rec model.AssetRecord
	ok, err := kv.GetJSON(ctx, s.store, key, &rec)
	if err != nil || !ok {
		return rec, false, err
	}
	res := s.Resolve(ctx, rec.ImageURL)
	if !res.Fixed || res.Locator == rec.ImageURL {
		return rec, true, nil
	}
	rec = s.markFixed(rec, res.Locator)
	if err := kv.SetJSON(ctx, s.store, key, rec); err != nil {
		// The caller still gets the corrected locator for this run.
		s.log.Warn("persist locator fix failed", "key", key, "error", err)
	}
	return rec, true, nil
}

// Migrate rewrites every asset record of owner that uses the bad domain.
// No probing is done. It returns the number of records changed.
func (s *Service) Migrate(ctx context.Context, owner string) (int, error) {
	if s.bad == "" {
		return 0, nil
	}
	all, err := s.store.Keys(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, ak := range keys.OwnerAssets(all, owner) {
		key := ak.String()
		var rec model.AssetRecord
		ok, err := kv.GetJSON(ctx, s.store, key, &rec)
		if err != nil {
			s.log.Warn("skip unreadable asset record", "key", key, "error", err)
			continue
		}
		if !ok || !strings.Contains(rec.ImageURL, s.bad) {
			continue
		}
		rec = s.markFixed(rec, strings.ReplaceAll(rec.ImageURL, s.bad, s.good))
		if err := kv.SetJSON(ctx, s.store, key, rec); err != nil {
			return changed, err
		}
		changed++
	}
	if changed > 0 {
		s.log.Info("migrated asset locators", "owner", owner, "count", changed)
	}
	return changed, nil
}

func (s *Service) markFixed(rec model.AssetRecord, locator string) model.AssetRecord {
	rec.ImageURL = locator
	rec.URLFixed = true
	rec.URLCorrected = true
	rec.FixedAt = model.FormatTime(s.clock.Now())
	return rec
}
