// Package compress turns a MySQL data directory into a single compressed tar
// archive ready for chunked transfer. zstd is the default; gzip and lz4 are
// available for hosts where decompression tooling matters more than ratio.
package compress

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	apperrors "github.com/takemura/backhaul/internal/errors"
)

type Algorithm string

const (
	Zstd Algorithm = "zstd"
	Gzip Algorithm = "gzip"
	Lz4  Algorithm = "lz4"
	None Algorithm = "none" // plain tar
)

// ParseAlgorithm validates a user-supplied algorithm name. Empty means Zstd.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "":
		return Zstd, nil
	case Zstd, Gzip, Lz4, None:
		return Algorithm(s), nil
	default:
		return "", apperrors.New(apperrors.TypeValidation, "unsupported compression algorithm: "+s,
			"Use one of: zstd, gzip, lz4, none.")
	}
}

// Extension returns the archive suffix for the algorithm, e.g. ".tar.zst".
func (a Algorithm) Extension() string {
	switch a {
	case Gzip:
		return ".tar.gz"
	case Lz4:
		return ".tar.lz4"
	case None:
		return ".tar"
	default:
		return ".tar.zst"
	}
}

// Progress reports bytes read from the source tree so far.
type Progress struct {
	BytesRead int64
	Files     int
	Current   string
}

// DirCompressor archives a directory tree.
type DirCompressor struct {
	Algorithm  Algorithm
	OnProgress func(Progress)
}

// Result describes a finished archive.
type Result struct {
	Path         string
	BytesRead    int64
	BytesWritten int64
	Files        int
}

// CompressDirectory walks srcDir and writes a compressed tar of its contents
// to outPath. Symlinks are stored as links, not followed. The output is
// written via a temp file and renamed so an interrupted run never leaves a
// plausible-looking partial archive.
func (d *DirCompressor) CompressDirectory(ctx context.Context, srcDir, outPath string) (Result, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return Result{}, apperrors.Wrap(err, apperrors.TypeValidation, "source directory not accessible", "")
	}
	if !info.IsDir() {
		return Result{}, apperrors.New(apperrors.TypeValidation, srcDir+" is not a directory", "")
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create output directory: %w", err)
	}
	tmpPath := outPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create archive: %w", err)
	}
	defer os.Remove(tmpPath)

	counted := &countingWriter{w: out}
	cw, closer, err := wrapWriter(counted, d.Algorithm)
	if err != nil {
		out.Close()
		return Result{}, err
	}

	tw := tar.NewWriter(cw)
	res := Result{Path: outPath}
	walkErr := filepath.Walk(srcDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		link := ""
		if fi.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}

		res.BytesRead += n
		res.Files++
		if d.OnProgress != nil {
			d.OnProgress(Progress{BytesRead: res.BytesRead, Files: res.Files, Current: rel})
		}
		return nil
	})
	if walkErr != nil {
		tw.Close()
		if closer != nil {
			closer.Close()
		}
		out.Close()
		return Result{}, fmt.Errorf("archive of %s failed: %w", srcDir, walkErr)
	}

	if err := tw.Close(); err != nil {
		out.Close()
		return Result{}, err
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			out.Close()
			return Result{}, err
		}
	}
	if err := out.Close(); err != nil {
		return Result{}, err
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return Result{}, fmt.Errorf("failed to finalize archive: %w", err)
	}

	res.BytesWritten = counted.n
	return res, nil
}

func wrapWriter(w io.Writer, algo Algorithm) (io.Writer, io.Closer, error) {
	switch algo {
	case Gzip:
		gz := gzip.NewWriter(w)
		return gz, gz, nil
	case Lz4:
		l := lz4.NewWriter(w)
		return l, l, nil
	case None:
		return w, nil, nil
	case Zstd, "":
		z, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, err
		}
		return z, z, nil
	default:
		return nil, nil, apperrors.New(apperrors.TypeValidation, "unsupported compression algorithm: "+string(algo), "")
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
