package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the daemon configuration.
type Config struct {
	User     UserConfig     `yaml:"user"`
	Command  CommandConfig  `yaml:"command"`
	FS       FSConfig       `yaml:"fs"`
	Session  SessionConfig  `yaml:"session"`
	Progress ProgressConfig `yaml:"progress"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type UserConfig struct {
	Username string `yaml:"username"`
}

// CommandConfig holds the guest commands the bootstrap and session run inside
// the sandbox. They are product configuration, not protocol: users swap in
// their own desktop environment by editing these.
type CommandConfig struct {
	// Check exits zero when every required guest package is installed.
	Check string `yaml:"check"`
	// Install installs the required guest packages. It is re-run until
	// Check succeeds.
	Install string `yaml:"install"`
	// Launch starts the desktop environment on top of the compatibility
	// server.
	Launch string `yaml:"launch"`
}

type FSConfig struct {
	// Root is the guest root filesystem install directory.
	Root string `yaml:"root"`
	// ArchiveURL points at the guest rootfs tarball (.tar.xz or .tar.zst).
	ArchiveURL string `yaml:"archive_url"`
	// ArchiveChecksum is "sha256:<hex>" or "blake3:<hex>". Empty skips
	// verification.
	ArchiveChecksum string `yaml:"archive_checksum"`
	// Binds are extra host paths exposed inside the sandbox,
	// "source:target" or "source:target:ro".
	Binds []string `yaml:"binds"`
}

type SessionConfig struct {
	// WaylandSocket is the display socket name guests connect to.
	WaylandSocket string `yaml:"wayland_socket"`
	// XDisplay is the compatibility server display, e.g. ":1".
	XDisplay string `yaml:"x_display"`

	RestartWindowSec   int `yaml:"restart_window_sec"`
	RestartThreshold   int `yaml:"restart_threshold"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	DownloadAttempts   int `yaml:"download_attempts"`

	// DensityDpi is the host display density used to derive the guest UI
	// scale; 160 is the 1x baseline. Host glue can pass the measured value
	// through a try_density_dpi override.
	DensityDpi int `yaml:"density_dpi"`
}

type ProgressConfig struct {
	// Addr is the loopback address the progress websocket listens on.
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file exists. The guest
// commands mirror the stock LXQt-on-Xwayland session.
func Default() *Config {
	return &Config{
		User: UserConfig{Username: "root"},
		Command: CommandConfig{
			Check:   "pacman -Qg lxqt && pacman -Q xorg-xwayland && pacman -Q lxqt-wayland-session && pacman -Q labwc && pacman -Q breeze-icons && pacman -Q onboard",
			Install: "pacman -Syu lxqt xorg-xwayland lxqt-wayland-session labwc breeze-icons onboard --noconfirm --noprogressbar",
			Launch:  "XDG_SESSION_TYPE=x11 dbus-run-session startlxqt 2>&1",
		},
		FS: FSConfig{
			Root:       DefaultInstallRoot(),
			ArchiveURL: "https://github.com/termux/proot-distro/releases/download/v4.29.0/archlinux-aarch64-pd-v4.29.0.tar.xz",
		},
		Session: SessionConfig{
			WaylandSocket:      "wayland-0",
			XDisplay:           ":1",
			RestartWindowSec:   60,
			RestartThreshold:   3,
			ShutdownTimeoutSec: 5,
			DownloadAttempts:   5,
			DensityDpi:         160,
		},
		Progress: ProgressConfig{Addr: "127.0.0.1:4664"},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file. A missing or malformed file yields
// the defaults: the user can fix the file and restart without the daemon
// refusing to come up.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	effective, writeBack, changed := applyTryKeys(string(data))
	if changed {
		// try_* keys are one-shot: comment them out so the next load
		// does not re-apply them.
		if err := os.WriteFile(path, []byte(writeBack), 0644); err != nil {
			return nil, fmt.Errorf("write back config file: %w", err)
		}
	}

	if err := yaml.Unmarshal([]byte(effective), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %s is malformed (%v), using defaults\n", path, err)
		return Default(), nil
	}

	if url := os.Getenv("LOCALDESKTOP_ARCHIVE_URL"); url != "" {
		cfg.FS.ArchiveURL = url
	}
	if root := os.Getenv("LOCALDESKTOP_FS_ROOT"); root != "" {
		cfg.FS.Root = root
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.User.Username == "" {
		return fmt.Errorf("user.username is required")
	}
	if c.FS.Root == "" {
		return fmt.Errorf("fs.root is required")
	}
	if c.FS.ArchiveURL == "" {
		return fmt.Errorf("fs.archive_url is required")
	}
	if c.Command.Launch == "" {
		return fmt.Errorf("command.launch is required")
	}
	if c.Session.WaylandSocket == "" {
		return fmt.Errorf("session.wayland_socket is required")
	}
	if c.Session.RestartThreshold < 1 {
		return fmt.Errorf("session.restart_threshold must be at least 1")
	}
	if c.Session.RestartWindowSec < 1 {
		return fmt.Errorf("session.restart_window_sec must be at least 1")
	}
	for _, b := range c.FS.Binds {
		if _, err := ParseBind(b); err != nil {
			return err
		}
	}
	return nil
}

// Bind is a parsed host-path exposure for the sandbox.
type Bind struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ParseBind parses "source:target" or "source:target:ro".
func ParseBind(s string) (Bind, error) {
	var b Bind
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		b = Bind{Source: parts[0], Target: parts[1]}
	case 3:
		if parts[2] != "ro" && parts[2] != "rw" {
			return b, fmt.Errorf("bind %q: mode must be ro or rw", s)
		}
		b = Bind{Source: parts[0], Target: parts[1], ReadOnly: parts[2] == "ro"}
	default:
		return b, fmt.Errorf("bind %q: want source:target[:mode]", s)
	}
	if b.Source == "" || b.Target == "" {
		return b, fmt.Errorf("bind %q: empty source or target", s)
	}
	return b, nil
}
