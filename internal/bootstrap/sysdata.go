package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
)

// procFiles are served to the guest in place of the real /proc entries
// that Android seccomp policy hides from unprivileged processes. The
// sandbox binds each one over its hidden counterpart.
var procFiles = []struct {
	path    string
	content string
}{
	{"proc/.loadavg", "0.12 0.07 0.02 2/165 765\n"},
	{"proc/.stat", "cpu  1957 0 2877 93280 262 342 254 87 0 0\ncpu0 31 0 226 12027 82 10 4 9 0 0\n"},
	{"proc/.uptime", "124.08 932.80\n"},
	{"proc/.version", "Linux version 6.2.1 (proot@termux) (gcc (GCC) 12.2.1 20230201, GNU ld (GNU Binutils) 2.40) #1 SMP PREEMPT_DYNAMIC Wed, 01 Mar 2023 00:00:00 +0000\n"},
	{"proc/.vmstat", "nr_free_pages 1743136\nnr_zone_inactive_anon 179281\nnr_zone_active_anon 7183\n"},
	{"proc/.sysctl_entry_cap_last_cap", "40\n"},
	{"proc/.sysctl_inotify_max_user_watches", "4096\n"},
}

// simulateSysdata writes the fake kernel data files into the install
// root. Idempotent, keyed off proc/.version.
func (m *Manager) simulateSysdata() error {
	root := m.cfg.FS.Root
	if _, err := os.Stat(filepath.Join(root, "proc/.version")); err == nil {
		return nil
	}
	m.emit(PhaseExtracting, stageSysdata, "Simulating Linux system data...")

	for _, dir := range []string{"proc", "sys", "sys/.empty"} {
		p := filepath.Join(root, dir)
		if err := os.MkdirAll(p, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		os.Chmod(p, 0o700)
	}
	for _, pf := range procFiles {
		if err := os.WriteFile(filepath.Join(root, pf.path), []byte(pf.content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", pf.path, err)
		}
	}
	return nil
}

const firefoxAutoconfig = `pref("general.config.filename", "localdesktop.cfg");
pref("general.config.obscure_value", 0);
`

// The first line of an autoconfig payload must be a comment.
const firefoxCfg = `// Auto updated by Local Desktop on each startup, do not edit manually
defaultPref("media.cubeb.sandbox", false);
defaultPref("security.sandbox.content.level", 0);
`

// configureFirefox disables the browser sandboxes that cannot work under
// an already unprivileged guest. Skipped silently when Firefox never
// gets installed.
func (m *Manager) configureFirefox() error {
	root := filepath.Join(m.cfg.FS.Root, "usr/lib/firefox")
	prefDir := filepath.Join(root, "defaults/pref")
	if err := os.MkdirAll(prefDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(prefDir, "autoconfig.js"), []byte(firefoxAutoconfig), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, "localdesktop.cfg"), []byte(firefoxCfg), 0o644)
}
