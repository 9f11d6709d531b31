package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	downloadChunk   = 32 * 1024
	backoffBase     = time.Second
	backoffCeiling  = 30 * time.Second
	progressEveryMB = 1 << 20
)

// download fetches the rootfs archive to cfg's archive path, resuming a
// partial file via Range requests. Transient failures are retried with
// exponential backoff up to the configured attempt count; exhausting the
// attempts is fatal for this run.
func (m *Manager) download(ctx context.Context) error {
	final := m.cfg.ArchivePath()
	part := final + ".part"

	attempts := m.cfg.Session.DownloadAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := m.downloadOnce(ctx, part)
		if err == nil {
			return os.Rename(part, final)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		m.log.Warn("download attempt failed", "attempt", attempt, "error", err)

		if attempt == attempts {
			break
		}
		delay := backoffBase << (attempt - 1)
		if delay > backoffCeiling {
			delay = backoffCeiling
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("download failed after %d attempts: %w", attempts, lastErr)
}

// downloadOnce performs a single HTTP transfer, appending to the partial
// file when the server honors the Range request.
func (m *Manager) downloadOnce(ctx context.Context, part string) error {
	var offset int64
	if fi, err := os.Stat(part); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.FS.ArchiveURL, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// Server ignored the Range header, start over.
		offset = 0
		flags |= os.O_TRUNC
	default:
		return fmt.Errorf("download: unexpected status %s", resp.Status)
	}

	total := offset
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}

	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, downloadChunk)
	done := offset
	lastReport := int64(-1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return werr
			}
			done += int64(n)
			if done-lastReport >= progressEveryMB || done == total {
				lastReport = done
				m.reportDownload(done, total)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (m *Manager) reportDownload(done, total int64) {
	if total <= 0 {
		m.emit(PhaseDownloading, stageDownloadLo,
			fmt.Sprintf("Downloading guest filesystem... %s", formatBytes(done)))
		return
	}
	frac := float64(done) / float64(total)
	pct := stageDownloadLo + int(frac*float64(stageDownloadHi-stageDownloadLo))
	m.emit(PhaseDownloading, pct,
		fmt.Sprintf("Downloading guest filesystem... %d%% (%s / %s)",
			int(frac*100), formatBytes(done), formatBytes(total)))
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/float64(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
