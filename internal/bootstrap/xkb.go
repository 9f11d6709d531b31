package bootstrap

import (
	"os"
	"path/filepath"
)

// fixXkbSymlink rewrites an absolute /usr/share/X11/xkb symlink in the
// guest rootfs to a relative one. The keyboard library that loads this
// data lives on the host side and resolves the link against the host's
// root, where the absolute target does not exist.
func (m *Manager) fixXkbSymlink() error {
	link := filepath.Join(m.cfg.FS.Root, "usr/share/X11/xkb")
	fi, err := os.Lstat(link)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		return nil
	}
	target, err := os.Readlink(link)
	if err != nil || !filepath.IsAbs(target) {
		return nil
	}

	rel, err := filepath.Rel("/usr/share/X11", target)
	if err != nil {
		return err
	}
	m.log.Info("rewriting absolute xkb symlink", "target", target, "relative", rel)
	if err := os.Remove(link); err != nil {
		return err
	}
	return os.Symlink(rel, link)
}
