// Package lifecycle drives a patch check from the manifest fetch to the
// commit of the downloaded update set.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/schaermu/bundlesync/internal/config"
	"github.com/schaermu/bundlesync/internal/diff"
	"github.com/schaermu/bundlesync/internal/download"
	"github.com/schaermu/bundlesync/internal/hashstore"
	"github.com/schaermu/bundlesync/internal/manifest"
	"github.com/schaermu/bundlesync/internal/remote"
)

var (
	// ErrAppVersionMismatch means the application itself must be updated
	// through its distribution channel before content can be patched
	ErrAppVersionMismatch = errors.New("application version differs from server")

	// ErrRunInProgress rejects a second concurrent run on the same engine
	ErrRunInProgress = errors.New("a lifecycle run is already in progress")
)

// ProgressFunc receives download progress: the completed fraction in [0, 1],
// the number of finished files and human-readable byte and speed labels
type ProgressFunc func(progress float32, completed int, bytesLabel, speedLabel string)

// StoreOpener opens the per-file hash store at path
type StoreOpener func(ctx context.Context, path string) (hashstore.Store, error)

// Options configures an Engine
type Options struct {
	Config *config.Config

	// Client defaults to an HTTP client built from Config.Server
	Client remote.Client

	// OpenStore defaults to the SQLite store
	OpenStore StoreOpener

	Logger     *slog.Logger
	OnProgress ProgressFunc
	OnComplete func()
	OnStatus   func(Status)
}

// Engine executes lifecycle runs against one sandbox. Only one run may be
// active at a time.
type Engine struct {
	cfg        *config.Config
	client     remote.Client
	openStore  StoreOpener
	logger     *slog.Logger
	onProgress ProgressFunc
	onComplete func()
	onStatus   func(Status)

	mu      sync.Mutex
	status  Status
	lastErr error
	running bool
	cancel  context.CancelFunc
	dl      *download.Downloader
	paused  bool
	summary diff.Summary
}

// run holds the state of a single execution
type run struct {
	logger    *slog.Logger
	builtin   *manifest.Manifest
	server    *manifest.Manifest
	local     *manifest.Manifest
	update    *diff.Result
	store     hashstore.Store
	completed int
	bytes     int64
	recheck   bool
	rechecked bool
	err       error
}

func (r *run) close() {
	if r.store == nil {
		return
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("failed to close hash store", "error", err)
	}
	r.store = nil
}

// New creates an Engine
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("lifecycle: config is required")
	}
	if err := opts.Config.DownloaderConfig().Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle: invalid download settings: %w", err)
	}

	e := &Engine{
		cfg:        opts.Config,
		client:     opts.Client,
		openStore:  opts.OpenStore,
		logger:     opts.Logger,
		onProgress: opts.OnProgress,
		onComplete: opts.OnComplete,
		onStatus:   opts.OnStatus,
		status:     StatusIdle,
	}
	if e.client == nil {
		e.client = remote.NewHTTPClient(opts.Config.Server.Timeout, remote.WithUserAgent(opts.Config.Server.UserAgent))
	}
	if e.openStore == nil {
		e.openStore = func(ctx context.Context, path string) (hashstore.Store, error) {
			return hashstore.OpenSQLite(ctx, path)
		}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Check brings the sandbox in line with the server manifest
func (e *Engine) Check(ctx context.Context) (Status, error) {
	return e.execute(ctx, EventCheck)
}

// Retry restarts after a server error, an exhausted download or a
// cancellation. Transfers resume from the bytes already on disk.
func (e *Engine) Retry(ctx context.Context) (Status, error) {
	e.Resume()
	return e.execute(ctx, EventCheck)
}

// Repair deletes the whole sandbox and then behaves like Check. Callers
// must obtain confirmation first; the local cache cannot be recovered.
func (e *Engine) Repair(ctx context.Context) (Status, error) {
	return e.execute(ctx, EventRepair)
}

// Pause holds bundle transfers. The state machine keeps its position.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	if e.dl != nil {
		e.dl.Pause()
	}
}

// Resume releases held transfers
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	if e.dl != nil {
		e.dl.Resume()
	}
}

// Cancel aborts the active run, if any. It is safe to call at any time.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Status returns the current state
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastError returns the error that ended the most recent run
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// LastSummary describes the most recent update set found
func (e *Engine) LastSummary() diff.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.summary
}

func (e *Engine) execute(ctx context.Context, ev Event) (Status, error) {
	e.mu.Lock()
	if e.running {
		status := e.status
		e.mu.Unlock()
		return status, ErrRunInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.lastErr = nil
	e.summary = diff.Summary{}
	e.mu.Unlock()

	r := &run{
		logger:  e.logger.With("run_id", uuid.NewString()),
		recheck: true,
	}

	defer func() {
		r.close()
		cancel()
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.dl = nil
		e.mu.Unlock()
	}()

	r.logger.Info("starting lifecycle run",
		"product", e.cfg.Product.Name,
		"event", ev,
		"sandbox", e.cfg.Paths.SandboxDir)

	status, err := e.drive(runCtx, r, ev)

	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()

	if err != nil {
		r.logger.Warn("lifecycle run ended", "status", status, "error", err)
	} else {
		r.logger.Info("lifecycle run ended", "status", status)
	}
	return status, err
}

// drive feeds events through Transition and performs the resulting effects
// until a state produces no further event
func (e *Engine) drive(ctx context.Context, r *run, ev Event) (Status, error) {
	for {
		status, effects, err := e.step(r, ev)
		if err != nil {
			return e.forceFail(r, err), err
		}

		next, ok := e.perform(ctx, r, effects)
		if ok {
			ev = next
			continue
		}

		if status == StatusNoNeedToUpdate && r.rechecked {
			r.rechecked = false
			ev = EventConverged
			continue
		}
		return status, e.errFor(status, r)
	}
}

func (e *Engine) step(r *run, ev Event) (Status, []Effect, error) {
	e.mu.Lock()
	from := e.status
	to, effects, err := Transition(from, ev)
	if err == nil {
		e.status = to
	}
	e.mu.Unlock()

	if err != nil {
		r.logger.Error("invalid lifecycle transition", "status", from, "event", ev)
		return from, nil, err
	}

	r.logger.Debug("lifecycle transition", "from", from, "event", ev, "to", to)
	if to != from && e.onStatus != nil {
		e.onStatus(to)
	}
	return to, effects, nil
}

func (e *Engine) forceFail(r *run, err error) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.status.Settled() {
		e.status = StatusFailed
	}
	r.err = err
	return e.status
}

func (e *Engine) errFor(status Status, r *run) error {
	switch status {
	case StatusNoNeedToUpdate, StatusDone, StatusIdle:
		return nil
	case StatusCancelled:
		if r.err != nil {
			return r.err
		}
		return context.Canceled
	default:
		return r.err
	}
}

// perform runs effects in order and returns the event the last
// event-producing effect yielded
func (e *Engine) perform(ctx context.Context, r *run, effects []Effect) (Event, bool) {
	var (
		next Event
		have bool
	)
	for _, eff := range effects {
		if ev, ok := e.apply(ctx, r, eff); ok {
			next, have = ev, true
		}
	}
	return next, have
}

func (e *Engine) apply(ctx context.Context, r *run, eff Effect) (Event, bool) {
	switch eff {
	case EffectReportComplete:
		e.complete(r)
		return 0, false
	case EffectAbortInFlight:
		e.Cancel()
		return 0, false
	case EffectRecheck:
		if !r.recheck {
			e.complete(r)
			return 0, false
		}
		r.logger.Info("confirming convergence with a second pass")
		r.recheck = false
		r.rechecked = true
		r.server, r.local, r.update = nil, nil, nil
		return EventCheck, true
	}

	if ctx.Err() != nil {
		return EventCancel, true
	}

	switch eff {
	case EffectWipeSandbox:
		return e.wipe(r)
	case EffectFetchManifests:
		return e.fetchManifests(ctx, r)
	case EffectPrepareSandbox:
		return e.prepareSandbox(ctx, r)
	case EffectCompareVersions:
		return e.compareVersions(r)
	case EffectStartDownload:
		return e.download(ctx, r)
	case EffectWriteManifests:
		return e.writeManifests(r)
	}

	r.err = fmt.Errorf("unhandled effect %s", eff)
	return EventFail, true
}

func (e *Engine) fail(r *run, err error) (Event, bool) {
	r.err = err
	return EventFail, true
}

func (e *Engine) wipe(r *run) (Event, bool) {
	r.close()

	dir := filepath.Clean(e.cfg.Paths.SandboxDir)
	if !filepath.IsAbs(dir) || dir == filepath.Dir(dir) {
		return e.fail(r, fmt.Errorf("refusing to wipe sandbox %q", dir))
	}

	r.logger.Warn("wiping local sandbox", "dir", dir)
	if err := os.RemoveAll(dir); err != nil {
		return e.fail(r, fmt.Errorf("failed to remove sandbox: %w", err))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return e.fail(r, fmt.Errorf("failed to recreate sandbox: %w", err))
	}
	return EventWiped, true
}

func (e *Engine) fetchManifests(ctx context.Context, r *run) (Event, bool) {
	r.builtin = e.loadBuiltin(r)

	url := e.cfg.Server.ManifestURL
	r.logger.Info("fetching server manifest", "url", url)

	data, err := e.client.FetchManifest(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return EventCancel, true
		}
		r.err = err
		return EventServerError, true
	}

	server, err := manifest.ParseFrom(data, url)
	if err != nil {
		r.err = err
		return EventServerError, true
	}
	if server.ProductName != e.cfg.Product.Name {
		r.logger.Warn("server manifest names a different product",
			"expected", e.cfg.Product.Name,
			"got", server.ProductName)
	}

	r.server = server
	r.logger.Info("server manifest fetched",
		"app_version", server.AppVersion,
		"res_version", server.ResourceVersion,
		"files", server.FileCount())
	return EventConfigFetched, true
}

// loadBuiltin returns the manifest shipped with the application, or nil
func (e *Engine) loadBuiltin(r *run) *manifest.Manifest {
	path := e.cfg.Product.BuiltinManifest
	if path == "" {
		return nil
	}
	m, err := manifest.Load(path)
	if err != nil {
		r.logger.Warn("built-in manifest unavailable", "path", path, "error", err)
		return nil
	}
	return m
}

func (e *Engine) prepareSandbox(ctx context.Context, r *run) (Event, bool) {
	if err := os.MkdirAll(e.cfg.Paths.SandboxDir, 0755); err != nil {
		return e.fail(r, fmt.Errorf("failed to create sandbox: %w", err))
	}

	local, err := e.resolveLocal(r)
	if err != nil {
		return e.fail(r, err)
	}
	r.local = local

	if r.store == nil {
		store, err := e.openStore(ctx, e.cfg.StateDBPath())
		if err != nil {
			return e.fail(r, fmt.Errorf("failed to open hash store: %w", err))
		}
		r.store = store
	}
	return EventPrepared, true
}

// resolveLocal loads the sandbox copy of the local manifest. The built-in
// manifest replaces it when missing or when the application version changed.
func (e *Engine) resolveLocal(r *run) (*manifest.Manifest, error) {
	path := e.cfg.LocalManifestPath()

	local, err := manifest.Load(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		local = nil
	case errors.Is(err, manifest.ErrParse):
		r.logger.Warn("local manifest unreadable, treating as absent", "path", path, "error", err)
		local = nil
	default:
		return nil, fmt.Errorf("failed to load local manifest: %w", err)
	}

	if r.builtin != nil && (local == nil || local.AppVersion != r.builtin.AppVersion) {
		if local != nil {
			r.logger.Info("application version changed, resetting local manifest",
				"previous", local.AppVersion,
				"current", r.builtin.AppVersion)
		}
		local = r.builtin.Clone()
		if err := manifest.Save(path, local); err != nil {
			return nil, fmt.Errorf("failed to write local manifest: %w", err)
		}
	}

	if local == nil {
		// Nothing shipped and nothing fetched yet: everything is new
		local = manifest.New(r.server.ProductName, r.server.AppVersion, "")
	}
	return local, nil
}

func (e *Engine) compareVersions(r *run) (Event, bool) {
	if r.local.AppVersion != r.server.AppVersion {
		r.err = fmt.Errorf("%w: local %s, server %s", ErrAppVersionMismatch, r.local.AppVersion, r.server.AppVersion)
		return EventAppVersionMismatch, true
	}
	if r.local.ResourceVersion == r.server.ResourceVersion {
		r.logger.Info("content is up to date", "res_version", r.server.ResourceVersion)
		return EventUpToDate, true
	}

	r.update = diff.Diff(r.local, r.server)
	sum := r.update.Summary()

	e.mu.Lock()
	e.summary = sum
	e.mu.Unlock()

	r.logger.Info("update found",
		"from", r.local.ResourceVersion,
		"to", r.server.ResourceVersion,
		"files", sum.Files,
		"new", sum.NewFiles,
		"changed", sum.ChangedFiles,
		"bytes", sum.TotalSize)
	if len(r.update.Stale) > 0 {
		r.logger.Debug("keeping files absent from server manifest", "count", len(r.update.Stale))
	}
	return EventUpdateFound, true
}

func (e *Engine) download(ctx context.Context, r *run) (Event, bool) {
	dl := download.New(e.cfg.DownloaderConfig(), e.client, r.store, r.logger)

	e.mu.Lock()
	e.dl = dl
	if e.paused {
		dl.Pause()
	}
	e.mu.Unlock()

	res, err := dl.Run(ctx, r.update.Update, e.progress)

	e.mu.Lock()
	e.dl = nil
	e.mu.Unlock()

	if res != nil {
		r.completed += res.Completed
	}
	r.bytes += r.update.Update.TotalSize()

	switch {
	case err == nil:
		return EventDownloadDone, true
	case ctx.Err() != nil:
		return EventCancel, true
	case errors.Is(err, download.ErrRetryRequired):
		r.err = err
		return EventDownloadFailed, true
	default:
		return e.fail(r, err)
	}
}

func (e *Engine) writeManifests(r *run) (Event, bool) {
	if err := manifest.Save(e.cfg.LocalManifestPath(), r.server); err != nil {
		return e.fail(r, fmt.Errorf("failed to write local manifest: %w", err))
	}

	path := e.cfg.RecordManifestPath()
	record, err := manifest.Load(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		record = manifest.New(r.server.ProductName, r.server.AppVersion, r.server.ResourceVersion)
	case errors.Is(err, manifest.ErrParse):
		r.logger.Warn("record manifest unreadable, starting a new one", "path", path, "error", err)
		record = manifest.New(r.server.ProductName, r.server.AppVersion, r.server.ResourceVersion)
	default:
		return e.fail(r, fmt.Errorf("failed to load record manifest: %w", err))
	}

	record.Merge(r.update.Update)
	if err := manifest.Save(path, record); err != nil {
		return e.fail(r, fmt.Errorf("failed to write record manifest: %w", err))
	}

	r.logger.Info("update committed",
		"res_version", r.server.ResourceVersion,
		"recorded_files", record.FileCount())
	return EventCommitted, true
}

func (e *Engine) progress(p download.Progress) {
	if e.onProgress != nil {
		e.onProgress(float32(p.Fraction), p.Completed, p.BytesLabel, p.SpeedLabel)
	}
}

// complete forces progress to 1 and signals completion
func (e *Engine) complete(r *run) {
	if e.onProgress != nil {
		label := download.FormatBytes(r.bytes)
		e.onProgress(1, r.completed, label+" / "+label, download.FormatSpeed(0, 0))
	}
	if e.onComplete != nil {
		e.onComplete()
	}
}
