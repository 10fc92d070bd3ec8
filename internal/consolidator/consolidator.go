package consolidator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/samber/lo"

	"depthflow/internal/backoff"
	"depthflow/internal/metrics"
	"depthflow/internal/models"
	"depthflow/internal/workers"
	"depthflow/internal/writer"
	"depthflow/logger"
)

const component = "consolidator"

type Config struct {
	Layout writer.Layout
	// Purge removes the bucket files once the daily archive verifies.
	Purge bool
	// Parquet additionally writes a columnar export next to the archive.
	Parquet    bool
	MaxRetries int
	Retry      backoff.Policy
	// MemoSize bounds the number of symbol dates remembered as submitted.
	MemoSize int
}

// Stats are the consolidator's lifetime counters.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Duplicates int64 `json:"duplicates"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Retries    int64 `json:"retries"`
	Uploaded   int64 `json:"uploaded"`
}

// Consolidator merges a symbol's bucket files for one date into the daily
// archive. Each symbol date is accepted once per process; reruns of the same
// job produce byte-identical archives.
type Consolidator struct {
	cfg      Config
	pool     writer.Submitter
	uploader Uploader
	log      *logger.Log

	mu   sync.Mutex
	memo *linkedhashmap.Map

	submitted  atomic.Int64
	duplicates atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	retries    atomic.Int64
	uploaded   atomic.Int64

	sleep func(ctx context.Context, d time.Duration) bool
}

// New builds a consolidator running its jobs on pool. uploader may be nil.
func New(cfg Config, pool writer.Submitter, uploader Uploader, log *logger.Log) *Consolidator {
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = 4096
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Consolidator{
		cfg:      cfg,
		pool:     pool,
		uploader: uploader,
		log:      log,
		memo:     linkedhashmap.New(),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func memoKey(symbol, date string) string {
	return symbol + "|" + date
}

// remember records key and reports whether it was new.
func (c *Consolidator) remember(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.memo.Get(key); found {
		return false
	}
	c.memo.Put(key, time.Now())
	for c.memo.Size() > c.cfg.MemoSize {
		it := c.memo.Iterator()
		if !it.First() {
			break
		}
		c.memo.Remove(it.Key())
	}
	return true
}

func (c *Consolidator) forget(key string) {
	c.mu.Lock()
	c.memo.Remove(key)
	c.mu.Unlock()
}

// Submit queues job on the pool. A symbol date already submitted is ignored
// unless its previous run failed for good.
func (c *Consolidator) Submit(ctx context.Context, job models.ConsolidationJob) error {
	key := memoKey(job.Symbol, job.Date)
	entry := c.log.WithComponent(component).WithFields(logger.Fields{
		"symbol": job.Symbol,
		"date":   job.Date,
		"job_id": job.ID,
	})
	if !c.remember(key) {
		c.duplicates.Add(1)
		entry.Debug("consolidation already scheduled for date")
		return nil
	}

	task := workers.Task{
		Name: "consolidate " + key,
		Run: func(ctx context.Context) error {
			return c.runWithRetry(ctx, job)
		},
	}
	if err := c.pool.Submit(ctx, task); err != nil {
		c.forget(key)
		entry.WithError(err).Warn("could not schedule consolidation")
		return fmt.Errorf("submit consolidation %s: %w", key, err)
	}
	c.submitted.Add(1)
	entry.Info("consolidation scheduled")
	return nil
}

func (c *Consolidator) runWithRetry(ctx context.Context, job models.ConsolidationJob) error {
	entry := c.log.WithComponent(component).WithFields(logger.Fields{
		"symbol": job.Symbol,
		"date":   job.Date,
		"job_id": job.ID,
	})

	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)
			delay := c.cfg.Retry.Jittered(attempt, nil)
			entry.WithError(err).WithFields(logger.Fields{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			}).Warn("retrying consolidation")
			if !c.sleep(ctx, delay) {
				err = ctx.Err()
				break
			}
		}
		if err = c.Process(ctx, job); err == nil {
			c.succeeded.Add(1)
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	c.failed.Add(1)
	c.forget(memoKey(job.Symbol, job.Date))
	entry.WithError(err).Error("consolidation failed; bucket files kept")
	metrics.EmitMetric(c.log, component, "consolidation_failures", 1, "count", logger.Fields{
		"symbol": job.Symbol,
	})
	return err
}

// Process runs one job to completion: wait for pending compressions, merge
// the bucket files, verify the archive, export and upload, then purge.
func (c *Consolidator) Process(ctx context.Context, job models.ConsolidationJob) error {
	if job.Ready != nil {
		select {
		case <-job.Ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	start := time.Now()
	entry := c.log.WithComponent(component).WithFields(logger.Fields{
		"symbol": job.Symbol,
		"date":   job.Date,
		"job_id": job.ID,
	})

	day, err := writer.ParseDate(job.Date)
	if err != nil {
		return fmt.Errorf("job date: %w", err)
	}
	output := job.OutputArchive
	if output == "" {
		output = c.cfg.Layout.ArchivePath(job.Symbol, job.Date)
	}
	inputDir := job.InputDir
	if inputDir == "" {
		inputDir = c.cfg.Layout.DateDir(job.Symbol, job.Date)
	}

	inputs, err := listInputs(c.cfg.Layout, job.Symbol, inputDir)
	if err != nil {
		return fmt.Errorf("list %s: %w", inputDir, err)
	}
	if len(inputs) == 0 {
		if _, verr := verifyArchive(output); verr == nil {
			entry.Debug("daily archive already complete")
			return nil
		}
		entry.Warn("no bucket files for date")
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	entries, skipped, err := mergeArchive(output, inputs, day, c.log.WithComponent(component).WithFields(logger.Fields{"symbol": job.Symbol}))
	if err != nil {
		return err
	}

	fields := logger.Fields{
		"archive": output,
		"inputs":  len(inputs),
		"entries": entries,
		"skipped": len(skipped),
	}
	uploads := []string{output}

	if c.cfg.Parquet {
		pq := c.cfg.Layout.ParquetPath(job.Symbol, job.Date)
		rows, err := exportParquet(output, pq)
		if err != nil {
			entry.WithError(err).Warn("parquet export failed")
			metrics.EmitMetric(c.log, component, "parquet_failures", 1, "count", logger.Fields{"symbol": job.Symbol})
		} else {
			fields["parquet_rows"] = rows
			uploads = append(uploads, pq)
		}
	}

	if c.uploader != nil {
		for _, path := range uploads {
			key, err := c.uploader.Upload(ctx, job.Symbol, job.Date, path)
			if err != nil {
				entry.WithError(err).Warn("upload failed")
				metrics.EmitMetric(c.log, component, "upload_failures", 1, "count", logger.Fields{"symbol": job.Symbol})
				continue
			}
			c.uploaded.Add(1)
			entry.WithFields(logger.Fields{"s3_key": key}).Info("daily file uploaded")
		}
	}

	if c.cfg.Purge {
		// unreadable inputs stay on disk for inspection
		fields["purged"] = c.purge(lo.Without(inputs, skipped...), inputDir, entry)
	}

	logger.LogPerformanceEntry(entry, component, "consolidate", time.Since(start), fields)
	return nil
}

func (c *Consolidator) purge(inputs []string, dir string, entry *logger.Entry) int {
	removed := 0
	for _, in := range inputs {
		if err := os.Remove(in); err != nil && !errors.Is(err, os.ErrNotExist) {
			entry.WithError(err).WithFields(logger.Fields{"file": in}).Warn("could not remove bucket file")
			continue
		}
		removed++
	}
	// only succeeds once the directory is empty
	_ = os.Remove(dir)
	return removed
}

func (c *Consolidator) Stats() Stats {
	return Stats{
		Submitted:  c.submitted.Load(),
		Duplicates: c.duplicates.Load(),
		Succeeded:  c.succeeded.Load(),
		Failed:     c.failed.Load(),
		Retries:    c.retries.Load(),
		Uploaded:   c.uploaded.Load(),
	}
}
