package writer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"depthflow/internal/models"
	"depthflow/internal/workers"
	"depthflow/logger"
)

type chanSource struct {
	symbol string
	ch     chan models.DepthUpdate
}

func newChanSource(symbol string, n int) *chanSource {
	return &chanSource{symbol: symbol, ch: make(chan models.DepthUpdate, n)}
}

func (s *chanSource) Symbol() string               { return s.symbol }
func (s *chanSource) C() <-chan models.DepthUpdate { return s.ch }
func (s *chanSource) Len() int                     { return len(s.ch) }
func (s *chanSource) Cap() int                     { return cap(s.ch) }

// syncCompressor runs tasks inline so tests observe their effects directly.
type syncCompressor struct{}

func (syncCompressor) Submit(ctx context.Context, t workers.Task) error {
	return t.Run(ctx)
}

func testWriter(t *testing.T, dir string, src Source, comp Submitter, jobs *[]models.ConsolidationJob) *SnapshotWriter {
	t.Helper()
	cfg := Config{
		Layout:        Layout{Dir: dir, Bucket: time.Minute},
		FlushRecords:  50,
		FlushInterval: 50 * time.Millisecond,
	}
	var onRollover func(models.ConsolidationJob)
	if jobs != nil {
		onRollover = func(j models.ConsolidationJob) { *jobs = append(*jobs, j) }
	}
	w, err := NewSnapshotWriter(cfg, src, comp, onRollover, logger.Logger())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	return w
}

func readLines(t *testing.T, path string) []models.DepthUpdate {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var out []models.DepthUpdate
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		var u models.DepthUpdate
		if err := json.Unmarshal(sc.Bytes(), &u); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		out = append(out, u)
	}
	return out
}

func rawFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, RawExt) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files
}

func TestWriterRotatesOnBucketBoundary(t *testing.T) {
	dir := t.TempDir()
	src := newChanSource("ETHUSDT", 1000)
	w := testWriter(t, dir, src, nil, nil)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 650; i++ {
		received := base.Add(time.Duration(i) * 100 * time.Millisecond)
		src.ch <- models.DepthUpdate{
			Symbol:       "ETHUSDT",
			EventTime:    received.UnixMilli() - 20,
			ReceivedTime: received.UnixMilli(),
			Sequence:     uint64(i + 1),
		}
	}
	close(src.ch)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	files := rawFiles(t, dir)
	if len(files) != 2 {
		t.Fatalf("expected 2 bucket files, got %v", files)
	}
	if !strings.HasSuffix(files[0], "ETHUSDT_orderbook_2024-03-01_10-00.jsonl") ||
		!strings.HasSuffix(files[1], "ETHUSDT_orderbook_2024-03-01_10-01.jsonl") {
		t.Fatalf("unexpected file names: %v", files)
	}

	first, second := readLines(t, files[0]), readLines(t, files[1])
	if len(first) != 600 || len(second) != 50 {
		t.Fatalf("unexpected split: %d + %d", len(first), len(second))
	}

	// receipt order, no gaps, no duplicates across files
	all := append(first, second...)
	for i, u := range all {
		if u.Sequence != uint64(i+1) {
			t.Fatalf("record %d has seq %d", i, u.Sequence)
		}
	}
	if last := first[len(first)-1].Received(); !last.Before(base.Add(time.Minute)) {
		t.Fatalf("first file overlaps the next bucket: %s", last)
	}

	stats := w.Stats()
	if stats.RecordsWritten != 650 || stats.OpenFiles != 0 || stats.FilesWritten != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestWriterBackwardClockStaysInOpenBucket(t *testing.T) {
	dir := t.TempDir()
	src := newChanSource("BTCUSDT", 4)
	w := testWriter(t, dir, src, nil, nil)

	base := time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC)
	src.ch <- models.DepthUpdate{Symbol: "BTCUSDT", ReceivedTime: base.UnixMilli(), Sequence: 1}
	src.ch <- models.DepthUpdate{Symbol: "BTCUSDT", ReceivedTime: base.Add(-2 * time.Second).UnixMilli(), Sequence: 2}
	close(src.ch)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	files := rawFiles(t, dir)
	if len(files) != 1 || len(readLines(t, files[0])) != 2 {
		t.Fatalf("expected both records in one file, got %v", files)
	}
}

func TestWriterRolloverCompressesAndSchedulesConsolidation(t *testing.T) {
	dir := t.TempDir()
	src := newChanSource("BTCUSDT", 8)
	var jobs []models.ConsolidationJob
	w := testWriter(t, dir, src, syncCompressor{}, &jobs)

	beforeMidnight := time.Date(2024, 3, 1, 23, 59, 30, 0, time.UTC)
	afterMidnight := time.Date(2024, 3, 2, 0, 0, 5, 0, time.UTC)
	src.ch <- models.DepthUpdate{Symbol: "BTCUSDT", ReceivedTime: beforeMidnight.UnixMilli(), Sequence: 1}
	src.ch <- models.DepthUpdate{Symbol: "BTCUSDT", ReceivedTime: afterMidnight.UnixMilli(), Sequence: 2}
	close(src.ch)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(jobs) != 1 {
		t.Fatalf("expected one consolidation job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Date != "2024-03-01" || job.Symbol != "BTCUSDT" || job.ID == "" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.OutputArchive != filepath.Join(dir, "BTCUSDT_orderbook_2024-03-01.zip") {
		t.Fatalf("unexpected archive path: %s", job.OutputArchive)
	}
	select {
	case <-job.Ready:
	case <-time.After(time.Second):
		t.Fatal("job never became ready")
	}

	zipped := filepath.Join(job.InputDir, "BTCUSDT_orderbook_2024-03-01_23-59.zip")
	zr, err := zip.OpenReader(zipped)
	if err != nil {
		t.Fatalf("open compressed bucket: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 1 || zr.File[0].Name != "BTCUSDT_orderbook_2024-03-01_23-59.jsonl" {
		t.Fatalf("unexpected zip entries: %v", zr.File)
	}
	if _, err := os.Stat(strings.TrimSuffix(zipped, CompressedExt) + RawExt); !os.IsNotExist(err) {
		t.Fatalf("raw file should be removed after compression, stat err=%v", err)
	}
	if len(job.InputFiles) != 1 || job.InputFiles[0] != zipped {
		t.Fatalf("unexpected job inputs: %v", job.InputFiles)
	}
}

func TestWriterRecoversStrayFiles(t *testing.T) {
	dir := t.TempDir()
	layout := Layout{Dir: dir, Bucket: time.Minute}
	old := time.Date(2024, 2, 28, 13, 7, 0, 0, time.UTC)
	stray := layout.BucketFile("BTCUSDT", old)
	if err := os.MkdirAll(filepath.Dir(stray), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stray, []byte(`{"s":"BTCUSDT"}`+"\n"), 0o644); err != nil {
		t.Fatalf("write stray: %v", err)
	}

	src := newChanSource("BTCUSDT", 1)
	close(src.ch)
	var jobs []models.ConsolidationJob
	w := testWriter(t, dir, src, syncCompressor{}, &jobs)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(strings.TrimSuffix(stray, RawExt) + CompressedExt); err != nil {
		t.Fatalf("stray file not compressed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Date != "2024-02-28" {
		t.Fatalf("expected recovery job for 2024-02-28, got %+v", jobs)
	}
}

func TestWriterFatalErrorOnUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	src := newChanSource("BTCUSDT", 1)
	src.ch <- models.DepthUpdate{Symbol: "BTCUSDT", ReceivedTime: time.Now().UnixMilli()}
	close(src.ch)

	w := testWriter(t, blocker, src, nil, nil)
	err := w.Run(context.Background())
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError, got %v", err)
	}
	if fatal.Symbol != "BTCUSDT" || !w.Stats().Failed {
		t.Fatalf("unexpected failure state: %+v", fatal)
	}
}

func TestWriterFlushesOnInterval(t *testing.T) {
	dir := t.TempDir()
	src := newChanSource("BTCUSDT", 1)
	w := testWriter(t, dir, src, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	src.ch <- models.DepthUpdate{Symbol: "BTCUSDT", ReceivedTime: time.Now().UnixMilli(), Sequence: 1}

	// one record is below FlushRecords, so only the timer can flush it
	deadline := time.Now().Add(2 * time.Second)
	for {
		files := rawFiles(t, dir)
		if len(files) == 1 {
			if info, err := os.Stat(files[0]); err == nil && info.Size() > 0 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("record was not flushed by the interval timer")
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(src.ch)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestNewSnapshotWriterRejectsBucket(t *testing.T) {
	src := newChanSource("BTCUSDT", 1)
	_, err := NewSnapshotWriter(Config{Layout: Layout{Dir: t.TempDir(), Bucket: 7 * time.Minute}}, src, nil, nil, nil)
	if err == nil {
		t.Fatal("expected bucket validation error")
	}
}

func TestWriterLogsRecordsPerClosedFile(t *testing.T) {
	dir := t.TempDir()
	src := newChanSource("BTCUSDT", 10)
	var out bytes.Buffer
	log := logger.Logger()
	log.Out = &out

	w, err := NewSnapshotWriter(Config{
		Layout:        Layout{Dir: dir, Bucket: time.Minute},
		FlushRecords:  50,
		FlushInterval: time.Second,
	}, src, nil, nil, log)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, offset := range []time.Duration{0, time.Second, 2 * time.Second, 61 * time.Second} {
		received := base.Add(offset)
		src.ch <- models.DepthUpdate{Symbol: "BTCUSDT", EventTime: received.UnixMilli(), ReceivedTime: received.UnixMilli(), Sequence: uint64(i + 1)}
	}
	close(src.ch)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	counts := map[string]float64{}
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var rec map[string]interface{}
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec["flow_type"] != "data_flow" {
			continue
		}
		dst, _ := rec["destination"].(string)
		n, _ := rec["record_count"].(float64)
		counts[dst] = n
	}
	if counts["BTCUSDT_orderbook_2024-03-01_10-00.jsonl"] != 3 || counts["BTCUSDT_orderbook_2024-03-01_10-01.jsonl"] != 1 {
		t.Fatalf("unexpected data flow records %v", counts)
	}
}
