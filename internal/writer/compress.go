package writer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ctxReader aborts a copy once the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// compressedTarget picks the archive name for a raw bucket file. An existing
// archive for the same bucket is never overwritten.
func compressedTarget(src string) string {
	stem := strings.TrimSuffix(src, RawExt)
	dst := stem + CompressedExt
	for i := 1; ; i++ {
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			return dst
		}
		dst = fmt.Sprintf("%s_%d%s", stem, i, CompressedExt)
	}
}

// CompressFile deflates src into a single-entry zip next to it and removes src
// once the archive is durably in place. The entry is named after the archive,
// so a second flush of one bucket stays distinct. It returns the archive path.
func CompressFile(ctx context.Context, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", src, err)
	}

	dst := compressedTarget(src)
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", tmp, err)
	}
	cleanup := func() {
		out.Close()
		os.Remove(tmp)
	}

	zw := zip.NewWriter(out)
	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:     strings.TrimSuffix(filepath.Base(dst), CompressedExt) + RawExt,
		Method:   zip.Deflate,
		Modified: info.ModTime().UTC(),
	})
	if err != nil {
		cleanup()
		return "", fmt.Errorf("zip header: %w", err)
	}
	if _, err := io.Copy(entry, ctxReader{ctx: ctx, r: in}); err != nil {
		cleanup()
		return "", fmt.Errorf("compress %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("finish zip: %w", err)
	}
	if err := out.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename %s: %w", tmp, err)
	}
	in.Close()
	if err := os.Remove(src); err != nil {
		return dst, fmt.Errorf("remove %s: %w", src, err)
	}
	return dst, nil
}
