package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/clockin/internal/clock"
	"github.com/roach88/clockin/internal/keys"
	"github.com/roach88/clockin/internal/kv"
	"github.com/roach88/clockin/internal/locator"
	"github.com/roach88/clockin/internal/model"
)

// MinDebounce is the shortest allowed persist delay.
const MinDebounce = 300 * time.Millisecond

// Sessions maps each site to its ordered sessions.
type Sessions map[model.Site][]model.Session

// Clone returns a deep copy.
func (s Sessions) Clone() Sessions {
	out := make(Sessions, len(s))
	for site, list := range s {
		out[site] = slices.Clone(list)
	}
	return out
}

// Skeleton returns an empty ledger for sites.
func Skeleton(sites []model.Site) Sessions {
	out := make(Sessions, len(sites))
	for _, s := range sites {
		out[s] = []model.Session{}
	}
	return out
}

// Ledger is the authoritative local session state of one owner.
type Ledger struct {
	store kv.Store
	owner string
	sites []model.Site
	clock clock.Clock
	log   *slog.Logger
	delay time.Duration

	mu     sync.Mutex
	data   Sessions
	dirty  bool
	timer  clock.Timer
	closed bool
	backup string

	writeMu sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock driving the debounce timer.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithDebounce sets the persist delay. Values below MinDebounce are raised.
func WithDebounce(d time.Duration) Option {
	return func(l *Ledger) { l.delay = max(d, MinDebounce) }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// Load reads the ledger of owner from store.
func Load(ctx context.Context, store kv.Store, owner string, sites []model.Site, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		owner: owner,
		sites: slices.Clone(sites),
		clock: clock.Real{},
		log:   slog.Default(),
		delay: MinDebounce,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.data = l.load(ctx)
	return l
}

func (l *Ledger) load(ctx context.Context) Sessions {
	key := keys.Sessions(l.owner)
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		l.log.Error("read ledger failed, starting empty", "owner", l.owner, "error", err)
		return Skeleton(l.sites)
	}
	if !ok {
		return Skeleton(l.sites)
	}

	data, err := decode(raw)
	if err != nil {
		l.log.Warn("ledger corrupt, backing up", "owner", l.owner,
			"error", model.NewStorageCorrupt(key, err))
		l.backup = l.backupCorrupt(ctx, key, raw)
		return Skeleton(l.sites)
	}

	out := Skeleton(l.sites)
	for site, list := range data {
		if _, known := out[site]; !known {
			l.log.Warn("dropping sessions of unknown site", "owner", l.owner, "site", site, "sessions", len(list))
			continue
		}
		out[site] = list
	}
	return out
}

func decode(raw string) (Sessions, error) {
	var byName map[string][]model.Session
	if err := json.Unmarshal([]byte(raw), &byName); err != nil {
		return nil, err
	}
	if byName == nil {
		return nil, fmt.Errorf("ledger is not an object")
	}
	out := make(Sessions, len(byName))
	for name, list := range byName {
		site := model.NormalizeSite(name)
		for i, s := range list {
			if err := s.Validate(); err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", site, i, err)
			}
		}
		if list == nil {
			list = []model.Session{}
		}
		out[site] = append(out[site], list...)
	}
	if err := checkOpen(out); err != nil {
		return nil, err
	}
	return out, nil
}

// checkOpen enforces that only the last session of a site may be open and
// that at most one site is open.
func checkOpen(data Sessions) error {
	var open []model.Site
	for site, list := range data {
		for i, s := range list {
			if !s.IsOpen() {
				continue
			}
			if i < len(list)-1 {
				return fmt.Errorf("%s[%d]: open session is not the last one", site, i)
			}
			open = append(open, site)
		}
	}
	if len(open) > 1 {
		slices.Sort(open)
		return fmt.Errorf("sessions open at %d sites: %v", len(open), open)
	}
	return nil
}

// backupCorrupt copies raw to a backup key and removes the original once
// the copy reads back identical. It returns the backup key, or "" if the
// backup could not be verified.
func (l *Ledger) backupCorrupt(ctx context.Context, key, raw string) string {
	backupKey := keys.SessionsBackup(l.owner, l.clock.Now())
	if err := l.store.Set(ctx, backupKey, raw); err != nil {
		l.log.Error("backup corrupt ledger failed", "key", backupKey, "error", err)
		return ""
	}
	got, ok, err := l.store.Get(ctx, backupKey)
	if err != nil || !ok || got != raw {
		l.log.Error("backup verification failed, keeping corrupt ledger", "key", backupKey, "error", err)
		return ""
	}
	if err := l.store.Remove(ctx, key); err != nil {
		l.log.Warn("remove corrupt ledger failed", "key", key, "error", err)
	}
	l.log.Info("corrupt ledger backed up", "backup", backupKey)
	return backupKey
}

// Owner returns the ledger owner.
func (l *Ledger) Owner() string { return l.owner }

// Sites returns the configured sites in order.
func (l *Ledger) Sites() []model.Site { return slices.Clone(l.sites) }

// BackupKey returns the key a corrupt ledger was moved to during Load,
// or "" if none.
func (l *Ledger) BackupKey() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backup
}

// Known reports whether site is configured.
func (l *Ledger) Known(site model.Site) bool {
	return slices.Contains(l.sites, site)
}

// Snapshot returns a deep copy of the ledger.
func (l *Ledger) Snapshot() Sessions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data.Clone()
}

// Sessions returns a copy of the sessions of site.
func (l *Ledger) Sessions(site model.Site) []model.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.data[site])
}

// Open returns the open session of site.
func (l *Ledger) Open(site model.Site) (model.Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return openLocked(l.data, site)
}

func openLocked(data Sessions, site model.Site) (model.Session, bool) {
	list := data[site]
	if len(list) == 0 || !list[len(list)-1].IsOpen() {
		return model.Session{}, false
	}
	return list[len(list)-1], true
}

// OpenSites returns every site with an open session, in configured order.
func (l *Ledger) OpenSites() []model.Site {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openSitesLocked()
}

func (l *Ledger) openSitesLocked() []model.Site {
	var open []model.Site
	for _, site := range l.sites {
		if _, ok := openLocked(l.data, site); ok {
			open = append(open, site)
		}
	}
	return open
}

// AppendEntry appends a new open session at site.
func (l *Ledger) AppendEntry(site model.Site, s model.Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkEntryLocked(site); err != nil {
		return err
	}
	if s.Exit != "" {
		return model.NewInvalidTransition(site, "new session must be open")
	}
	if err := s.Validate(); err != nil {
		return model.NewInvalidTransition(site, err.Error())
	}
	if s.Plant == "" {
		s.Plant = site
	}
	l.data[site] = append(l.data[site], s)
	l.scheduleLocked()
	return nil
}

// AppendRecovered appends a session synthesized from a captured asset. The
// same exclusivity rules as AppendEntry apply.
func (l *Ledger) AppendRecovered(site model.Site, s model.Session) error {
	if !s.AutoRecovery {
		return model.NewInvalidTransition(site, "recovered session must be tagged")
	}
	return l.AppendEntry(site, s)
}

func (l *Ledger) checkEntryLocked(site model.Site) error {
	if !l.Known(site) {
		return model.NewInvalidTransition(site, "unknown site")
	}
	open := l.openSitesLocked()
	switch {
	case len(open) == 0:
		return nil
	case slices.Contains(open, site):
		return model.NewAlreadyOpenHere(site)
	default:
		return model.NewAlreadyOpenElsewhere(site, open[0])
	}
}

// RecordExit closes the open session of site.
func (l *Ledger) RecordExit(site model.Site, f model.ExitFields) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.Known(site) {
		return model.NewInvalidTransition(site, "unknown site")
	}
	if _, ok := openLocked(l.data, site); !ok {
		return model.NewNoOpenSession(site)
	}
	if _, err := model.ParseTime(f.Exit); err != nil {
		return model.NewInvalidTransition(site, err.Error())
	}
	list := l.data[site]
	last := &list[len(list)-1]
	last.Exit = f.Exit
	last.ExitImage = f.ExitImage
	last.ExitLocation = f.ExitLocation
	last.ExitKey = f.ExitKey
	last.PendingUpload = last.PendingUpload || f.PendingUpload
	l.scheduleLocked()
	return nil
}

// ReplaceLocator rewrites every image locator equal to old and refreshes
// pendingUpload. It returns the number of sessions changed.
func (l *Ledger) ReplaceLocator(old, replacement string) int {
	if old == "" || old == replacement {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := 0
	for _, list := range l.data {
		for i := range list {
			s := &list[i]
			hit := false
			if s.EntryImage == old {
				s.EntryImage, hit = replacement, true
			}
			if s.ExitImage == old {
				s.ExitImage, hit = replacement, true
			}
			if hit {
				s.PendingUpload = locator.IsLocal(s.EntryImage) || locator.IsLocal(s.ExitImage)
				changed++
			}
		}
	}
	if changed > 0 {
		l.scheduleLocked()
	}
	return changed
}

// StripEntryImage clears the entry locator of the session of site that
// uses loc. It reports whether a session changed.
func (l *Ledger) StripEntryImage(site model.Site, loc string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.data[site]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].EntryImage == loc && loc != "" {
			list[i].EntryImage = ""
			list[i].PendingUpload = locator.IsLocal(list[i].ExitImage)
			l.scheduleLocked()
			return true
		}
	}
	return false
}

// MarkPushed records the remote document id of the session of site that
// entered at entry.
func (l *Ledger) MarkPushed(site model.Site, entry, docID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.data[site]
	for i := range list {
		if list[i].Entry == entry {
			list[i].RemoteID = docID
			l.scheduleLocked()
			return true
		}
	}
	return false
}

// Reset empties every site.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = Skeleton(l.sites)
	l.scheduleLocked()
}

func (l *Ledger) scheduleLocked() {
	l.dirty = true
	if l.closed {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = l.clock.AfterFunc(l.delay, l.flushScheduled)
}

func (l *Ledger) flushScheduled() {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.write(ctx); err != nil {
		l.log.Error("persist ledger failed", "owner", l.owner, "error", err)
	}
}

// FlushNow cancels any pending debounced write and writes synchronously.
func (l *Ledger) FlushNow(ctx context.Context) error {
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()
	return l.write(ctx)
}

// Pending reports whether there are unwritten mutations.
func (l *Ledger) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

func (l *Ledger) write(ctx context.Context) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}
	snap := l.data.Clone()
	l.dirty = false
	l.mu.Unlock()

	byName := make(map[string][]model.Session, len(snap))
	for site, list := range snap {
		byName[string(site)] = list
	}
	if err := kv.SetJSON(ctx, l.store, keys.Sessions(l.owner), byName); err != nil {
		l.mu.Lock()
		l.dirty = true
		l.mu.Unlock()
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

// Close flushes pending mutations and stops the debounce timer. Mutations
// after Close stay in memory until the next FlushNow.
func (l *Ledger) Close(ctx context.Context) error {
	err := l.FlushNow(ctx)
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return err
}
