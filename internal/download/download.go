// Package download fetches the files of an update set into a local directory.
//
// Transfers resume from whatever bytes are already on disk. A per-file hash
// record tells whether those bytes belong to the revision being fetched; if
// not, they are discarded first. Every file is verified against its MD5 before
// it counts as done.
package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/bundlesync/internal/diskspace"
	"github.com/schaermu/bundlesync/internal/hashstore"
	"github.com/schaermu/bundlesync/internal/manifest"
	"github.com/schaermu/bundlesync/internal/remote"
)

const chunkSize = 32 * 1024

var (
	// ErrRetryRequired marks a batch halted by a transport failure that outlived its retries
	ErrRetryRequired = errors.New("download incomplete, retry required")

	// ErrChecksumMismatch reports a completed file whose MD5 differs from its record
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrUnsafePath rejects names that would escape the download directory
	ErrUnsafePath = errors.New("unsafe file name")
)

// Config controls a Downloader
type Config struct {
	BaseURL          string
	Dir              string
	MaxRetries       int
	Concurrency      int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	ProgressInterval time.Duration
	CheckDiskSpace   bool
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		MaxRetries:       2,
		Concurrency:      1,
		BackoffInitial:   400 * time.Millisecond,
		BackoffMax:       10 * time.Second,
		ProgressInterval: time.Second,
		CheckDiskSpace:   true,
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if c.Dir == "" {
		return fmt.Errorf("download directory is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.ProgressInterval <= 0 || c.ProgressInterval > time.Second {
		return fmt.Errorf("progress interval must be in (0, 1s]")
	}
	return nil
}

// TaskState is the position of a file in its download lifecycle
type TaskState int

const (
	TaskQueued TaskState = iota
	TaskHeaderProbe
	TaskResuming
	TaskFresh
	TaskWriting
	TaskVerified
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskHeaderProbe:
		return "header-probe"
	case TaskResuming:
		return "resuming"
	case TaskFresh:
		return "fresh"
	case TaskWriting:
		return "writing"
	case TaskVerified:
		return "verified"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("task-state(%d)", int(s))
	}
}

// Task is one file of a batch
type Task struct {
	Name      string
	Record    manifest.FileRecord
	URL       string
	LocalPath string
	Written   int64
	Total     int64
	Attempt   int
	State     TaskState

	counted int64 // bytes this task contributes to batch progress
}

// Result summarizes a batch
type Result struct {
	Completed     int
	Skipped       int
	RetryRequired bool
	Failed        []string
}

// localError wraps failures of the local filesystem or hash store; they are not retried
type localError struct {
	err error
}

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

// Downloader executes update sets
type Downloader struct {
	cfg    Config
	client remote.Client
	store  hashstore.Store
	logger *slog.Logger
	gate   gate

	batchBytes    int64
	batchFiles    int
	doneBytes     atomic.Int64
	windowBytes   atomic.Int64
	completed     atomic.Int64
	skipped       atomic.Int64
	retryRequired atomic.Bool
}

// New creates a Downloader. cfg must be valid.
func New(cfg Config, client remote.Client, store hashstore.Store, logger *slog.Logger) *Downloader {
	return &Downloader{
		cfg:    cfg,
		client: client,
		store:  store,
		logger: logger,
	}
}

// Pause holds all transfers at their next chunk boundary
func (d *Downloader) Pause() { d.gate.pause() }

// Resume releases paused transfers
func (d *Downloader) Resume() { d.gate.resume() }

// Paused reports whether transfers are held
func (d *Downloader) Paused() bool { return d.gate.paused() }

// Run downloads every file of update. It returns ErrRetryRequired when a
// transport failure exhausted its retries; the batch is then halted and can
// be resumed by a later Run.
func (d *Downloader) Run(ctx context.Context, update *manifest.Manifest, onProgress ProgressFunc) (*Result, error) {
	tasks, err := d.plan(update)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(d.cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	if d.cfg.CheckDiskSpace {
		if err := diskspace.Ensure(d.cfg.Dir, update.TotalSize()); err != nil {
			return nil, err
		}
	}

	d.batchBytes = update.TotalSize()
	d.batchFiles = len(tasks)
	d.doneBytes.Store(0)
	d.windowBytes.Store(0)
	d.completed.Store(0)
	d.skipped.Store(0)
	d.retryRequired.Store(false)

	d.logger.Info("starting download batch",
		"files", d.batchFiles,
		"bytes", d.batchBytes,
		"concurrency", d.cfg.Concurrency)

	stop := make(chan struct{})
	reported := make(chan struct{})
	go d.reportLoop(stop, reported, onProgress)

	var (
		failedMu sync.Mutex
		failed   []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	// Tasks are taken from the end of the stack
	for len(tasks) > 0 {
		if gctx.Err() != nil {
			break
		}
		t := tasks[len(tasks)-1]
		tasks = tasks[:len(tasks)-1]

		g.Go(func() error {
			err := d.runTask(gctx, t)
			if err != nil && !errors.Is(err, context.Canceled) {
				t.State = TaskFailed
				failedMu.Lock()
				failed = append(failed, t.Name)
				failedMu.Unlock()
			}
			return err
		})
	}

	err = g.Wait()
	close(stop)
	<-reported

	res := &Result{
		Completed:     int(d.completed.Load()),
		Skipped:       int(d.skipped.Load()),
		RetryRequired: d.retryRequired.Load(),
		Failed:        failed,
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			d.logger.Info("download batch cancelled", "completed", res.Completed)
			return res, ctxErr
		}
		d.logger.Warn("download batch halted",
			"completed", res.Completed,
			"retry_required", res.RetryRequired,
			"error", err)
		return res, err
	}

	d.logger.Info("download batch complete",
		"completed", res.Completed,
		"skipped", res.Skipped)
	return res, nil
}

// plan builds the task stack in lexical order of full name
func (d *Downloader) plan(update *manifest.Manifest) ([]*Task, error) {
	names := update.Names()
	tasks := make([]*Task, 0, len(names))
	for _, name := range names {
		local, err := d.localPath(name)
		if err != nil {
			return nil, err
		}
		rec, _ := update.GetFile(name)
		tasks = append(tasks, &Task{
			Name:      name,
			Record:    rec,
			URL:       joinURL(d.cfg.BaseURL, name),
			LocalPath: local,
			Total:     rec.Size,
		})
	}
	return tasks, nil
}

func (d *Downloader) localPath(name string) (string, error) {
	if name == "" || name == ".." || path.Clean(name) != name ||
		strings.HasPrefix(name, "/") || strings.HasPrefix(name, "../") || strings.Contains(name, "\\") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(d.cfg.Dir, filepath.FromSlash(name)), nil
}

func joinURL(base, name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.Join(segments, "/")
}

func (d *Downloader) account(t *Task, counted int64) {
	d.doneBytes.Add(counted - t.counted)
	t.counted = counted
}

func (d *Downloader) runTask(ctx context.Context, t *Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := d.logger.With("file", t.Name)

	if err := os.MkdirAll(filepath.Dir(t.LocalPath), 0755); err != nil {
		return &localError{err: err}
	}

	// A partial written against a different revision is useless
	prev, known, err := d.store.Get(ctx, t.Name)
	if err != nil {
		return &localError{err: err}
	}
	if known && prev != t.Record.MD5 {
		logger.Info("discarding local file from previous revision", "previous_hash", prev)
		if err := os.Remove(t.LocalPath); err != nil && !os.IsNotExist(err) {
			return &localError{err: err}
		}
	}

	ok, err := d.satisfied(t)
	if err != nil {
		return &localError{err: err}
	}
	if ok {
		logger.Debug("local file already up to date")
		if err := d.store.Set(ctx, t.Name, t.Record.MD5); err != nil {
			return &localError{err: err}
		}
		t.State = TaskVerified
		d.account(t, t.Record.Size)
		d.skipped.Add(1)
		d.completed.Add(1)
		return nil
	}

	if err := d.store.Set(ctx, t.Name, t.Record.MD5); err != nil {
		return &localError{err: err}
	}

	retry := newBackoff(d.cfg)
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.Attempt = attempt + 1

		err := d.transfer(ctx, t, logger)
		if err == nil {
			t.State = TaskVerified
			d.account(t, t.Record.Size)
			d.completed.Add(1)
			logger.Debug("file verified", "bytes", t.Written)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var lerr *localError
		if errors.As(err, &lerr) {
			return err
		}

		lastErr = err
		logger.Warn("download attempt failed", "attempt", t.Attempt, "error", err)
		if attempt < d.cfg.MaxRetries {
			if !sleepCtx(ctx, retry.Next()) {
				return ctx.Err()
			}
		}
	}

	d.retryRequired.Store(true)
	return fmt.Errorf("%w: %s: %w", ErrRetryRequired, t.Name, lastErr)
}

// satisfied reports whether the local file already matches the record
func (d *Downloader) satisfied(t *Task) (bool, error) {
	info, err := os.Stat(t.LocalPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.Size() != t.Record.Size {
		return false, nil
	}

	sum, _, err := manifest.FileMD5(t.LocalPath)
	if err != nil {
		return false, err
	}
	return sum == t.Record.MD5, nil
}

// transfer probes, fetches the missing byte range and verifies the result
func (d *Downloader) transfer(ctx context.Context, t *Task, logger *slog.Logger) error {
	t.State = TaskHeaderProbe
	total, err := d.client.Probe(ctx, t.URL)
	if err != nil {
		return err
	}
	if total < 0 {
		total = t.Record.Size
	}
	t.Total = total

	f, err := os.OpenFile(t.LocalPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return &localError{err: err}
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return &localError{err: err}
	}
	written := info.Size()

	if written > total {
		logger.Warn("local file larger than remote, restarting",
			"local_size", written,
			"remote_size", total)
		if err := f.Truncate(0); err != nil {
			return &localError{err: err}
		}
		written = 0
	}
	d.account(t, written)

	if written < total {
		if written > 0 {
			t.State = TaskResuming
			logger.Debug("resuming download", "offset", written, "total", total)
		} else {
			t.State = TaskFresh
		}

		resp, err := d.client.FetchRange(ctx, t.URL, written, total)
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		if resp.Offset != written {
			logger.Debug("server ignored range, restarting", "offset", written)
			if err := f.Truncate(0); err != nil {
				return &localError{err: err}
			}
			written = resp.Offset
			d.account(t, written)
		}
		if _, err := f.Seek(written, io.SeekStart); err != nil {
			return &localError{err: err}
		}

		t.State = TaskWriting
		written, err = d.copy(ctx, t, f, resp.Body, written, total)
		t.Written = written
		if err != nil {
			return err
		}
		if written < total {
			return fmt.Errorf("transfer ended at %d of %d bytes: %w", written, total, io.ErrUnexpectedEOF)
		}
	}
	t.Written = written

	if err := f.Sync(); err != nil {
		return &localError{err: err}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return &localError{err: err}
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return &localError{err: err}
	}
	sum := hex.EncodeToString(h.Sum(nil))

	if sum != t.Record.MD5 {
		if err := f.Truncate(0); err != nil {
			return &localError{err: err}
		}
		d.account(t, 0)
		return fmt.Errorf("%w: %s has %s, want %s", ErrChecksumMismatch, t.Name, sum, t.Record.MD5)
	}

	return nil
}

// copy streams r into w until total bytes are on disk, honouring pause and cancellation
func (d *Downloader) copy(ctx context.Context, t *Task, w io.Writer, r io.Reader, written, total int64) (int64, error) {
	buf := make([]byte, chunkSize)
	lr := io.LimitReader(r, total-written)

	for {
		if err := d.gate.wait(ctx); err != nil {
			return written, err
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, rerr := lr.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, &localError{err: werr}
			}
			written += int64(n)
			d.account(t, t.counted+int64(n))
			d.windowBytes.Add(int64(n))
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
