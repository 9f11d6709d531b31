package config

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// DataDir is the daemon's private state directory. The host glue layer sets
// LOCALDESKTOP_HOME to the app-private files dir; outside that, fall back to
// a dotdir under the user's home.
func DataDir() string {
	if dir := os.Getenv("LOCALDESKTOP_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".localdesktop"
	}
	return filepath.Join(home, ".localdesktop")
}

// DefaultInstallRoot is where the guest rootfs is extracted.
func DefaultInstallRoot() string {
	return filepath.Join(DataDir(), "arch")
}

// DefaultConfigPath is the host-side config file location. The guest-side
// copy under /etc/localdesktop inside the rootfs takes priority once the
// rootfs is installed.
func DefaultConfigPath() string {
	return filepath.Join(DataDir(), "localdesktop.yaml")
}

// GuestConfigPath returns the config file path inside the install root.
func (c *Config) GuestConfigPath() string {
	return filepath.Join(c.FS.Root, "etc", "localdesktop", "localdesktop.yaml")
}

// RunDir holds the sockets supervised processes connect back through.
func RunDir() string {
	return filepath.Join(DataDir(), "run")
}

// ControlSocketPath is the unix socket the CLI talks to.
func ControlSocketPath() string {
	return filepath.Join(RunDir(), "control.sock")
}

// DBPath is the sqlite journal location.
func DBPath() string {
	return filepath.Join(DataDir(), "localdesktop.db")
}

// WaylandSocketPath is the display socket exposed to sandboxed clients.
func (c *Config) WaylandSocketPath() string {
	return filepath.Join(RunDir(), c.Session.WaylandSocket)
}

// X11SocketPath is the compat-server socket for the configured display,
// relative to the guest rootfs ("/tmp/.X11-unix/X1" for display ":1").
func (c *Config) X11SocketPath() string {
	display := c.Session.XDisplay
	if len(display) > 0 && display[0] == ':' {
		display = display[1:]
	}
	return filepath.Join(c.FS.Root, "tmp", ".X11-unix", "X"+display)
}

// ArchivePath is where the rootfs archive is downloaded, named after the
// final URL path element so a URL change invalidates the cached file.
func (c *Config) ArchivePath() string {
	name := "rootfs.tar.xz"
	if u, err := url.Parse(c.FS.ArchiveURL); err == nil && path.Base(u.Path) != "" {
		name = path.Base(u.Path)
	}
	return filepath.Join(DataDir(), name)
}

// EnsureDataDirs creates the state and socket directories.
func EnsureDataDirs() error {
	if err := os.MkdirAll(DataDir(), 0755); err != nil {
		return err
	}
	return os.MkdirAll(RunDir(), 0700)
}
