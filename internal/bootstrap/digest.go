package bootstrap

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrIntegrityMismatch marks a rootfs archive whose digest does not match
// the configured value. One automatic re-download is attempted before this
// becomes fatal.
var ErrIntegrityMismatch = errors.New("bootstrap: archive integrity mismatch")

// parseDigest splits "sha256:<hex>" or "blake3:<hex>".
func parseDigest(s string) (algo, want string, err error) {
	algo, want, ok := strings.Cut(s, ":")
	if !ok || want == "" {
		return "", "", fmt.Errorf("checksum %q: want algo:hex", s)
	}
	switch algo {
	case "sha256", "blake3":
		return algo, strings.ToLower(want), nil
	default:
		return "", "", fmt.Errorf("checksum algorithm %q not supported", algo)
	}
}

func newDigest(algo string) hash.Hash {
	if algo == "blake3" {
		return blake3.New()
	}
	return sha256.New()
}

// verifyFile streams the file through the configured digest. A spec value
// of "" disables verification.
func verifyFile(path, spec string) error {
	if spec == "" {
		return nil
	}
	algo, want, err := parseDigest(spec)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive for verify: %w", err)
	}
	defer f.Close()

	h := newDigest(algo)
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash archive: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return fmt.Errorf("%w: %s want %s, got %s", ErrIntegrityMismatch, algo, want, got)
	}
	return nil
}
