package consolidator

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"depthflow/internal/writer"
	"depthflow/logger"
)

var errEmptyArchive = errors.New("archive has no data")

// listInputs returns the bucket files of symbol in dir, compressed or raw,
// sorted by name. Sorting by name orders them by bucket start.
func listInputs(layout writer.Layout, symbol, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var inputs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(name, writer.CompressedExt) && !strings.HasSuffix(name, writer.RawExt) {
			continue
		}
		if _, ok := layout.ParseBucketFile(symbol, name); !ok {
			continue
		}
		inputs = append(inputs, filepath.Join(dir, name))
	}
	sort.Strings(inputs)
	return inputs, nil
}

// contentKey identifies an entry by its bytes. A raw bucket and the archive
// compressed from it share a key; two flushes of one bucket do not.
type contentKey struct {
	crc  uint32
	size uint64
}

// entrySet names merged entries. Content already present is dropped, and a
// name already taken by other content gets the next free _N counter.
type entrySet struct {
	names    map[string]struct{}
	contents map[contentKey]struct{}
}

func newEntrySet() *entrySet {
	return &entrySet{names: make(map[string]struct{}), contents: make(map[contentKey]struct{})}
}

func (s *entrySet) claim(name string, key contentKey) (string, bool) {
	if _, dup := s.contents[key]; dup {
		return "", false
	}
	s.contents[key] = struct{}{}
	stem := strings.TrimSuffix(name, writer.RawExt)
	for i := 1; ; i++ {
		if _, taken := s.names[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s_%d%s", stem, i, writer.RawExt)
	}
	s.names[name] = struct{}{}
	return name, true
}

// mergeArchive writes every entry of inputs into a single archive at dst.
// When dst already holds a readable archive its entries are carried over
// first, so a rerun after a partial purge never loses data. Headers carry a
// fixed modification time so identical inputs give byte-identical output.
// The result is verified before it replaces dst. Unreadable inputs are logged
// and returned as skipped.
func mergeArchive(dst string, inputs []string, modified time.Time, log *logger.Entry) (entries int, skipped []string, err error) {
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, nil, fmt.Errorf("create %s: %w", tmp, err)
	}
	closed := false
	defer func() {
		if err != nil {
			if !closed {
				out.Close()
			}
			os.Remove(tmp)
		}
	}()

	zw := zip.NewWriter(out)
	set := newEntrySet()
	add := func(name string, key contentKey, r io.Reader) error {
		name, ok := set.claim(name, key)
		if !ok {
			return nil
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return err
		}
		_, err = io.Copy(w, r)
		return err
	}

	if _, statErr := os.Stat(dst); statErr == nil {
		if _, verr := verifyArchive(dst); verr != nil {
			log.WithError(verr).WithFields(logger.Fields{"file": filepath.Base(dst)}).Warn("existing daily archive unreadable; rebuilding from bucket files")
		} else if err = addArchive(dst, add); err != nil {
			return 0, nil, fmt.Errorf("carry over %s: %w", dst, err)
		}
	}

	for _, in := range inputs {
		var addErr error
		if strings.HasSuffix(in, writer.RawExt) {
			addErr = addRaw(in, add)
		} else {
			addErr = addZip(in, add)
		}
		if addErr != nil {
			if errors.Is(addErr, errWrite) {
				return 0, nil, addErr
			}
			skipped = append(skipped, in)
			log.WithError(addErr).WithFields(logger.Fields{"file": filepath.Base(in)}).Warn("skipping unreadable bucket file")
		}
	}

	if err = zw.Close(); err != nil {
		return 0, nil, fmt.Errorf("finish archive: %w", err)
	}
	if err = out.Sync(); err != nil {
		return 0, nil, fmt.Errorf("sync %s: %w", tmp, err)
	}
	closed = true
	if err = out.Close(); err != nil {
		return 0, nil, fmt.Errorf("close %s: %w", tmp, err)
	}
	if entries, err = verifyArchive(tmp); err != nil {
		return 0, nil, fmt.Errorf("verify %s: %w", dst, err)
	}
	if err = os.Rename(tmp, dst); err != nil {
		return 0, nil, fmt.Errorf("rename %s: %w", tmp, err)
	}
	return entries, skipped, nil
}

// errWrite marks failures on the output side, which abort the merge.
var errWrite = errors.New("write archive")

type addFunc func(name string, key contentKey, r io.Reader) error

func keyOf(data []byte) contentKey {
	return contentKey{crc: crc32.ChecksumIEEE(data), size: uint64(len(data))}
}

func addRaw(path string, add addFunc) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := add(filepath.Base(path), keyOf(data), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", errWrite, err)
	}
	return nil
}

func addZip(path string, add addFunc) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return err
		}
		// read fully first so a corrupt entry never reaches the output
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return err
		}
		if err := add(f.Name, keyOf(data), bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: %v", errWrite, err)
		}
	}
	return nil
}

// addArchive streams the entries of an already verified daily archive.
func addArchive(path string, add addFunc) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = add(f.Name, contentKey{crc: f.CRC32, size: f.UncompressedSize64}, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// verifyArchive opens path and reads every entry, which checks the CRCs. It
// fails unless at least one entry holds data.
func verifyArchive(path string) (int, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, err
	}
	defer zr.Close()

	var total int64
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return 0, fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		n, err := io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return 0, fmt.Errorf("read entry %s: %w", f.Name, err)
		}
		total += n
	}
	if len(zr.File) == 0 || total == 0 {
		return len(zr.File), errEmptyArchive
	}
	return len(zr.File), nil
}
