package writer

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	dateFormat   = "2006-01-02"
	minuteFormat = "2006-01-02_15-04"
	tempDirName  = "temporary"

	RawExt        = ".jsonl"
	CompressedExt = ".zip"
)

// Layout maps symbols and times onto the on-disk file tree:
//
//	{dir}/temporary/{SYM}_orderbook_{date}/{SYM}_orderbook_{suffix}.jsonl
//	{dir}/temporary/{SYM}_orderbook_{date}/{SYM}_orderbook_{suffix}.zip
//	{dir}/{SYM}_orderbook_{date}.zip
type Layout struct {
	Dir    string
	Bucket time.Duration
}

// ValidateBucket reports whether d can be used as a rotation bucket.
func ValidateBucket(d time.Duration) error {
	if d < time.Minute || (24*time.Hour)%d != 0 {
		return fmt.Errorf("bucket %s must be at least 1m and divide 24h", d)
	}
	return nil
}

// BucketStart returns the UTC start of the bucket containing t.
func (l Layout) BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(l.Bucket)
}

// Date formats the UTC calendar date of t.
func Date(t time.Time) string {
	return t.UTC().Format(dateFormat)
}

// ParseDate parses a calendar date produced by Date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateFormat, s, time.UTC)
}

func (l Layout) suffix(start time.Time) string {
	if l.Bucket >= 24*time.Hour {
		return start.UTC().Format(dateFormat)
	}
	return start.UTC().Format(minuteFormat)
}

func prefix(symbol string) string {
	return symbol + "_orderbook_"
}

// TempDir holds the per-date bucket directories.
func (l Layout) TempDir() string {
	return filepath.Join(l.Dir, tempDirName)
}

// DateDir is the directory of one symbol's bucket files for one date.
func (l Layout) DateDir(symbol, date string) string {
	return filepath.Join(l.TempDir(), prefix(symbol)+date)
}

// BucketFile is the raw file for the bucket starting at start.
func (l Layout) BucketFile(symbol string, start time.Time) string {
	return filepath.Join(l.DateDir(symbol, Date(start)), prefix(symbol)+l.suffix(start)+RawExt)
}

// ArchivePath is the daily archive of a symbol.
func (l Layout) ArchivePath(symbol, date string) string {
	return filepath.Join(l.Dir, prefix(symbol)+date+CompressedExt)
}

// ParquetPath is the optional columnar export of a daily archive.
func (l Layout) ParquetPath(symbol, date string) string {
	return filepath.Join(l.Dir, prefix(symbol)+date+".parquet")
}

// ParseDateDir extracts the date from a date directory name of symbol.
func ParseDateDir(symbol, name string) (string, bool) {
	p := prefix(symbol)
	if !strings.HasPrefix(name, p) {
		return "", false
	}
	date := strings.TrimPrefix(name, p)
	if _, err := ParseDate(date); err != nil {
		return "", false
	}
	return date, true
}

// ParseBucketFile returns the bucket start encoded in a raw or compressed
// file name of symbol.
func (l Layout) ParseBucketFile(symbol, name string) (time.Time, bool) {
	p := prefix(symbol)
	if !strings.HasPrefix(name, p) {
		return time.Time{}, false
	}
	stem := strings.TrimPrefix(name, p)
	stem = strings.TrimSuffix(strings.TrimSuffix(stem, RawExt), CompressedExt)
	// compressed names may carry a collision counter: _1, _2, ...
	for _, layout := range []string{minuteFormat, dateFormat} {
		if len(stem) < len(layout) {
			continue
		}
		if t, err := time.ParseInLocation(layout, stem[:len(layout)], time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
