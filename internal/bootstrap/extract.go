package bootstrap

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// extract unpacks the archive into "<root>.extracting" and atomically
// renames it to the install root. A crash mid-extraction leaves only the
// staging directory behind, which the next run removes and redoes.
func (m *Manager) extract() error {
	root := m.cfg.FS.Root
	staging := root + ".extracting"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}

	archive := m.cfg.ArchivePath()
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	counting := &countingReader{r: f}
	dec, err := decompressor(archive, counting)
	if err != nil {
		return err
	}

	if err := m.untar(dec, staging, counting, fi.Size()); err != nil {
		return err
	}

	// proot-distro tarballs wrap the rootfs in a single top-level
	// directory. Promote it so the install root is the rootfs itself.
	src := staging
	if entries, err := os.ReadDir(staging); err == nil && len(entries) == 1 && entries[0].IsDir() {
		src = filepath.Join(staging, entries[0].Name())
	}

	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("clear install root: %w", err)
	}
	if err := os.Rename(src, root); err != nil {
		return fmt.Errorf("promote rootfs: %w", err)
	}
	if src != staging {
		os.RemoveAll(staging)
	}
	return os.Remove(archive)
}

func decompressor(name string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		return xz.NewReader(r)
	case strings.HasSuffix(name, ".tar.zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return gzip.NewReader(r)
	case strings.HasSuffix(name, ".tar"):
		return r, nil
	default:
		return nil, fmt.Errorf("archive %q: unknown format", filepath.Base(name))
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (m *Manager) untar(r io.Reader, dest string, compressed *countingReader, archiveSize int64) error {
	tr := tar.NewReader(r)
	lastPct := -1
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			src, err := safeJoin(dest, hdr.Linkname)
			if err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(src, target); err != nil {
				return err
			}
		default:
			// Device nodes and fifos cannot be created unprivileged,
			// proot fakes them inside the guest.
			continue
		}

		if archiveSize > 0 {
			frac := float64(compressed.n) / float64(archiveSize)
			if frac > 1 {
				frac = 1
			}
			pct := stageExtractLo + int(frac*float64(stageExtractHi-stageExtractLo))
			if pct != lastPct {
				lastPct = pct
				m.emit(PhaseExtracting, pct, "Extracting guest filesystem...")
			}
		}
	}
}

// safeJoin rejects entries that would escape the destination.
func safeJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return filepath.Join(dest, cleaned), nil
}
