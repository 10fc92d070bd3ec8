package writer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"depthflow/internal/metrics"
	"depthflow/internal/models"
	"depthflow/internal/workers"
	"depthflow/logger"
)

// Source is the consumer side of a snapshot queue.
type Source interface {
	Symbol() string
	C() <-chan models.DepthUpdate
	Len() int
	Cap() int
}

// Submitter accepts background tasks, blocking while its queue is full.
type Submitter interface {
	Submit(ctx context.Context, t workers.Task) error
}

// FatalError marks a write or rotation failure. The writer of that symbol
// stops; other symbols are unaffected.
type FatalError struct {
	Symbol string
	Op     string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("writer %s: %s: %v", e.Symbol, e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

type Config struct {
	Layout        Layout
	FlushRecords  int
	FlushInterval time.Duration
}

// dateTracker counts the compressions outstanding for one date.
type dateTracker struct {
	wg     sync.WaitGroup
	inputs []string
}

// SnapshotWriter drains one symbol's queue into time-bucketed JSONL files.
// Rotation state is owned by the Run goroutine.
type SnapshotWriter struct {
	symbol     string
	cfg        Config
	source     Source
	compressor Submitter
	onRollover func(models.ConsolidationJob)

	file              *os.File
	buf               *bufio.Writer
	path              string
	bucketStart       time.Time
	recordsSinceFlush int
	fileRecords       int
	lastFlush         time.Time

	dates     map[string]*dateTracker
	submitted map[string]struct{}

	written          atomic.Int64
	files            atomic.Int64
	bytes            atomic.Int64
	errors           atomic.Int64
	compressed       atomic.Int64
	compressFailures atomic.Int64
	openFiles        atomic.Int32
	failed           atomic.Bool
	flushes          metrics.IntervalTracker

	log *logger.Log
	now func() time.Time
}

// NewSnapshotWriter builds a writer. onRollover receives a job each time the
// writer leaves a UTC date; it may be nil.
func NewSnapshotWriter(cfg Config, source Source, compressor Submitter, onRollover func(models.ConsolidationJob), log *logger.Log) (*SnapshotWriter, error) {
	if err := ValidateBucket(cfg.Layout.Bucket); err != nil {
		return nil, err
	}
	if cfg.FlushRecords <= 0 {
		cfg.FlushRecords = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &SnapshotWriter{
		symbol:     source.Symbol(),
		cfg:        cfg,
		source:     source,
		compressor: compressor,
		onRollover: onRollover,
		dates:      make(map[string]*dateTracker),
		submitted:  make(map[string]struct{}),
		log:        log,
		now:        time.Now,
	}, nil
}

func (w *SnapshotWriter) entry() *logger.Entry {
	return w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{"symbol": w.symbol})
}

// Run writes updates in receipt order until the source channel is closed and
// drained. ctx cancellation aborts without draining and is reserved for a
// forced exit. Background submissions also observe ctx.
func (w *SnapshotWriter) Run(ctx context.Context) error {
	if err := w.recover(ctx); err != nil {
		w.entry().WithError(err).Warn("startup recovery incomplete")
	}

	ticker := time.NewTicker(w.tickInterval())
	defer ticker.Stop()

	w.entry().WithFields(logger.Fields{
		"bucket":         w.cfg.Layout.Bucket.String(),
		"flush_records":  w.cfg.FlushRecords,
		"flush_interval": w.cfg.FlushInterval.String(),
	}).Info("snapshot writer started")

	for {
		select {
		case u, ok := <-w.source.C():
			if !ok {
				return w.finish(ctx)
			}
			if err := w.write(ctx, u); err != nil {
				return w.fail(err)
			}
		case <-ticker.C:
			if w.recordsSinceFlush > 0 && w.now().Sub(w.lastFlush) >= w.cfg.FlushInterval {
				if err := w.flush(); err != nil {
					return w.fail(&FatalError{Symbol: w.symbol, Op: "flush", Err: err})
				}
			}
		case <-ctx.Done():
			w.closeFile(context.WithoutCancel(ctx), false)
			return ctx.Err()
		}
	}
}

func (w *SnapshotWriter) tickInterval() time.Duration {
	d := w.cfg.FlushInterval / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func (w *SnapshotWriter) fail(err error) error {
	w.failed.Store(true)
	w.errors.Add(1)
	if w.file != nil {
		w.file.Close()
		w.file = nil
		w.openFiles.Add(-1)
	}
	w.entry().WithError(err).Error("snapshot writer stopped; symbol is no longer persisted")
	metrics.EmitMetric(w.log, "snapshot_writer", "writer_failures", 1, "counter", logger.Fields{"symbol": w.symbol})
	return err
}

// finish flushes and closes the last file after the queue has been drained.
func (w *SnapshotWriter) finish(ctx context.Context) error {
	if err := w.closeFile(ctx, true); err != nil {
		return w.fail(err)
	}
	w.entry().WithFields(logger.Fields{"records_written": w.written.Load()}).Info("snapshot writer drained")
	return nil
}

func (w *SnapshotWriter) write(ctx context.Context, u models.DepthUpdate) error {
	start := w.cfg.Layout.BucketStart(u.Received())

	switch {
	case w.file == nil:
		if err := w.open(start); err != nil {
			return err
		}
	case start.After(w.bucketStart):
		if err := w.rotate(ctx, start); err != nil {
			return err
		}
	}
	// Records stamped before the open bucket (clock stepped back) stay in the
	// open bucket so bucket files never overlap or reopen.

	line, err := json.Marshal(u)
	if err != nil {
		return &FatalError{Symbol: w.symbol, Op: "encode", Err: err}
	}
	line = append(line, '\n')
	n, err := w.buf.Write(line)
	if err != nil {
		return &FatalError{Symbol: w.symbol, Op: "write", Err: err}
	}
	w.bytes.Add(int64(n))
	w.written.Add(1)
	w.recordsSinceFlush++
	w.fileRecords++

	if w.recordsSinceFlush >= w.cfg.FlushRecords {
		if err := w.flush(); err != nil {
			return &FatalError{Symbol: w.symbol, Op: "flush", Err: err}
		}
	}
	return nil
}

func (w *SnapshotWriter) open(start time.Time) error {
	path := w.cfg.Layout.BucketFile(w.symbol, start)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &FatalError{Symbol: w.symbol, Op: "mkdir", Err: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &FatalError{Symbol: w.symbol, Op: "open", Err: err}
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 64*1024)
	w.path = path
	w.bucketStart = start
	w.fileRecords = 0
	w.lastFlush = w.now()
	w.openFiles.Add(1)
	w.files.Add(1)
	return nil
}

// rotate closes the current bucket, hands it to the compressor and only then
// opens the next one.
func (w *SnapshotWriter) rotate(ctx context.Context, next time.Time) error {
	prevDate := Date(w.bucketStart)
	if err := w.closeFile(ctx, true); err != nil {
		return err
	}
	if nextDate := Date(next); nextDate != prevDate {
		w.rollover(prevDate)
	}
	return w.open(next)
}

func (w *SnapshotWriter) flush() error {
	if w.buf == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	w.recordsSinceFlush = 0
	w.lastFlush = w.now()
	w.flushes.Observe(w.lastFlush)
	return nil
}

// closeFile flushes, syncs and closes the open file. When handoff is set the
// file is submitted for compression.
func (w *SnapshotWriter) closeFile(ctx context.Context, handoff bool) error {
	if w.file == nil {
		return nil
	}
	path := w.path
	if err := w.flush(); err != nil {
		return &FatalError{Symbol: w.symbol, Op: "flush", Err: err}
	}
	if err := w.file.Sync(); err != nil {
		return &FatalError{Symbol: w.symbol, Op: "sync", Err: err}
	}
	if err := w.file.Close(); err != nil {
		return &FatalError{Symbol: w.symbol, Op: "close", Err: err}
	}
	w.file = nil
	w.buf = nil
	w.openFiles.Add(-1)
	logger.LogDataFlowEntry(w.entry(), "queue", filepath.Base(path), w.fileRecords, "depth_update")

	if handoff {
		w.submitCompression(ctx, path, Date(w.bucketStart))
	}
	return nil
}

func (w *SnapshotWriter) tracker(date string) *dateTracker {
	t, ok := w.dates[date]
	if !ok {
		t = &dateTracker{}
		w.dates[date] = t
	}
	return t
}

// submitCompression hands a closed raw file to the compressor pool. A
// rejected submission leaves the raw file in place for the next startup
// sweep; consolidation also accepts raw files.
func (w *SnapshotWriter) submitCompression(ctx context.Context, path, date string) {
	if _, dup := w.submitted[path]; dup {
		return
	}
	if w.compressor == nil {
		return
	}
	w.submitted[path] = struct{}{}
	t := w.tracker(date)
	t.inputs = append(t.inputs, path)
	t.wg.Add(1)

	task := workers.Task{
		Name: "compress " + filepath.Base(path),
		Run: func(taskCtx context.Context) error {
			defer t.wg.Done()
			dst, err := CompressFile(taskCtx, path)
			if err != nil {
				w.compressFailures.Add(1)
				return err
			}
			w.compressed.Add(1)
			w.entry().WithFields(logger.Fields{"file": filepath.Base(dst)}).Debug("bucket compressed")
			return nil
		},
	}
	if err := w.compressor.Submit(ctx, task); err != nil {
		t.wg.Done()
		w.compressFailures.Add(1)
		w.entry().WithError(err).WithFields(logger.Fields{"file": path}).Warn("compression not scheduled; raw file kept")
	}
}

// rollover emits the consolidation job for a completed date. Its Ready
// channel closes after that date's compressions finish.
func (w *SnapshotWriter) rollover(date string) {
	t := w.tracker(date)
	delete(w.dates, date)
	for p := range w.submitted {
		if strings.Contains(filepath.Base(p), "_orderbook_"+date) {
			delete(w.submitted, p)
		}
	}
	if w.onRollover == nil {
		return
	}
	ready := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(ready)
	}()

	inputs := make([]string, 0, len(t.inputs))
	for _, p := range t.inputs {
		inputs = append(inputs, strings.TrimSuffix(p, RawExt)+CompressedExt)
	}
	job := models.NewConsolidationJob(w.symbol, date, w.cfg.Layout.DateDir(w.symbol, date),
		w.cfg.Layout.ArchivePath(w.symbol, date), inputs, ready)

	w.entry().WithFields(logger.Fields{
		"date":   date,
		"job_id": job.ID,
		"files":  len(inputs),
	}).Info("date rollover; consolidation scheduled")
	w.onRollover(job)
}

// recover compresses raw files left behind by a previous run and schedules
// consolidation for every past date still present in the temporary tree.
// The bucket that is current at startup is left alone so the writer can keep
// appending to it.
func (w *SnapshotWriter) recover(ctx context.Context) error {
	entries, err := os.ReadDir(w.cfg.Layout.TempDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	now := w.now()
	current := w.cfg.Layout.BucketStart(now)
	today := Date(now)

	var pastDates []string
	recovered := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		date, ok := ParseDateDir(w.symbol, e.Name())
		if !ok {
			continue
		}
		dir := filepath.Join(w.cfg.Layout.TempDir(), e.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, RawExt) {
				continue
			}
			start, ok := w.cfg.Layout.ParseBucketFile(w.symbol, name)
			if !ok || !start.Before(current) {
				continue
			}
			w.submitCompression(ctx, filepath.Join(dir, name), date)
			recovered++
		}
		if date < today {
			pastDates = append(pastDates, date)
		}
	}

	sort.Strings(pastDates)
	for _, date := range pastDates {
		w.rollover(date)
	}
	if len(pastDates) > 0 || recovered > 0 {
		w.entry().WithFields(logger.Fields{
			"recovered_files": recovered,
			"past_dates":      len(pastDates),
		}).Info("recovered files from previous run")
	}
	return nil
}

// Stats reports writer counters for the metrics aggregator.
func (w *SnapshotWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		RecordsWritten:   w.written.Load(),
		FilesWritten:     w.files.Load(),
		BytesWritten:     w.bytes.Load(),
		ErrorsCount:      w.errors.Load(),
		FilesCompressed:  w.compressed.Load(),
		CompressFailures: w.compressFailures.Load(),
		OpenFiles:        int(w.openFiles.Load()),
		QueueLen:         w.source.Len(),
		QueueCap:         w.source.Cap(),
		Failed:           w.failed.Load(),
	}
}

// FlushInterval returns the mean gap between flushes since the previous call.
func (w *SnapshotWriter) FlushInterval() time.Duration {
	return w.flushes.Take()
}

func (w *SnapshotWriter) Symbol() string { return w.symbol }
