package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/clockin/internal/attendance"
	"github.com/roach88/clockin/internal/config"
	"github.com/roach88/clockin/internal/keys"
	"github.com/roach88/clockin/internal/kv"
	"github.com/roach88/clockin/internal/ledger"
	"github.com/roach88/clockin/internal/locator"
	"github.com/roach88/clockin/internal/model"
	"github.com/roach88/clockin/internal/reconcile"
	"github.com/roach88/clockin/internal/remote"
	"github.com/roach88/clockin/internal/syncer"
)

// app is one wired engine instance for the duration of a command.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	owner   string
	store   *kv.SQLite
	docs    *remote.SQLiteDocuments
	net     *remote.Signal
	ledger  *ledger.Ledger
	repair  *locator.Service
	rec     *reconcile.Reconciler
	orch    *syncer.Orchestrator
	machine *attendance.Machine
}

// openApp loads the config, opens the stores and starts the machine.
// capture supplies the camera and geolocator; nil means registrations are
// not possible.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command, capture *captureOptions) (*app, error) {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: logLevel}))

	cfg, err := config.Load(opts.Config, opts.EnvFile)
	if err != nil {
		return nil, &codedError{code: ErrCodeConfig, err: err}
	}
	owner := cfg.Owner
	if opts.Owner != "" {
		owner = opts.Owner
	}
	if owner == "" {
		return nil, &codedError{code: ErrCodeConfig, err: errors.New("no owner: set owner in the config or pass --owner")}
	}
	if err := keys.CheckSegment("owner", owner); err != nil {
		return nil, &codedError{code: ErrCodeConfig, err: err}
	}
	zone, err := cfg.Location()
	if err != nil {
		return nil, &codedError{code: ErrCodeConfig, err: err}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, &codedError{code: ErrCodeStorage, err: fmt.Errorf("create data dir: %w", err)}
	}
	a := &app{cfg: cfg, log: log, owner: owner}
	ok := false
	defer func() {
		if !ok {
			a.closeStores()
		}
	}()

	log.Debug("opening store", "path", cfg.DataPath(cfg.Store.Path))
	if a.store, err = kv.Open(cfg.DataPath(cfg.Store.Path)); err != nil {
		return nil, &codedError{code: ErrCodeStorage, err: err}
	}
	if a.docs, err = remote.OpenDocuments(cfg.DataPath(cfg.Remote.DocumentsPath)); err != nil {
		return nil, &codedError{code: ErrCodeStorage, err: err}
	}
	content, err := remote.NewDirContent(cfg.DataPath(cfg.Remote.ContentDir), cfg.Remote.ContentBaseURL)
	if err != nil {
		return nil, &codedError{code: ErrCodeStorage, err: err}
	}
	a.net = remote.NewSignal(!opts.Offline)

	a.ledger = ledger.Load(ctx, a.store, owner, cfg.SiteList(),
		ledger.WithDebounce(config.Millis(cfg.Ledger.DebounceMS)),
		ledger.WithLogger(log))
	if key := a.ledger.BackupKey(); key != "" {
		log.Warn("ledger was corrupt and has been reset", "backup", key)
	}

	repairOpts := []locator.Option{
		locator.WithProbeTimeout(config.Millis(cfg.Locator.ProbeTimeoutMS)),
		locator.WithLogger(log),
	}
	if opts.Probe && !opts.Offline {
		repairOpts = append(repairOpts, locator.WithProber(locator.HTTPProber{Client: &http.Client{}}))
	}
	a.repair = locator.New(a.store, cfg.Locator.GoodDomain, cfg.Locator.BadDomain, repairOpts...)

	a.rec = reconcile.New(a.store, a.ledger, a.repair,
		reconcile.WithWindow(config.Millis(cfg.Reconcile.WindowMS)),
		reconcile.WithZone(zone),
		reconcile.WithLogger(log))

	device := model.DeviceInfo(cfg.Device)
	a.orch = syncer.New(a.store, a.ledger, syncer.NewUploader(content, syncer.FileMedia{}), a.docs, a.net,
		syncer.WithConfig(syncer.Config{
			ProbeTimeout: config.Millis(cfg.Sync.ProbeTimeoutMS),
			Timeout:      config.Millis(cfg.Sync.TimeoutMS),
			Retries:      cfg.Sync.Retries,
			Backoff:      config.Millis(cfg.Sync.BackoffMS),
			PollInterval: config.Millis(cfg.Sync.PollIntervalMS),
			AppVersion:   cfg.Sync.AppVersion,
		}),
		syncer.WithDevice(device),
		syncer.WithLogger(log))

	if capture == nil {
		capture = &captureOptions{}
	}
	a.machine = attendance.New(attendance.Deps{
		Store:        a.store,
		Ledger:       a.ledger,
		Reconciler:   a.rec,
		Repair:       a.repair,
		Orchestrator: a.orch,
		Documents:    a.docs,
		Camera:       capture.camera(),
		Geolocator:   capture.geolocator(),
	}, attendance.WithConfig(attendance.Config{
		Zone:          zone,
		UploadTimeout: config.Millis(cfg.Capture.UploadTimeoutMS),
		LocateTimeout: config.Millis(cfg.Capture.LocateTimeoutMS),
		SyncDelay:     config.Millis(cfg.Sync.DelayMS),
		Device:        device,
	}), attendance.WithLogger(log))

	if err := a.machine.Start(ctx); err != nil {
		return nil, &codedError{code: ErrCodeStorage, err: fmt.Errorf("start: %w", err)}
	}
	ok = true
	return a, nil
}

// Close flushes the ledger and closes the stores.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.machine.Close(ctx); err != nil {
		a.log.Error("flush ledger failed", "error", err)
	}
	a.closeStores()
}

func (a *app) closeStores() {
	if a.docs != nil {
		a.docs.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// site returns the named site, or the selected one when name is empty.
func (a *app) site(args []string) model.Site {
	if len(args) > 0 && args[0] != "" {
		return model.NormalizeSite(args[0])
	}
	return a.machine.Selected()
}
