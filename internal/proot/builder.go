// Package proot builds and runs commands inside the unprivileged guest
// sandbox. The wrapper intercepts syscalls so the guest rootfs looks like
// / to the processes inside, with no kernel namespace support required.
package proot

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// guestPath is the PATH exported into the guest. The trailing host
// entries let guest scripts reach host-side helper binaries.
const guestPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin:/usr/local/games:/usr/games:/system/bin:/system/xbin"

// sysdataBinds overlay the fake kernel data files written by the
// bootstrap pipeline onto the /proc entries the host hides.
var sysdataBinds = []struct {
	source string // relative to the install root
	dest   string
}{
	{"proc/.loadavg", "/proc/loadavg"},
	{"proc/.stat", "/proc/stat"},
	{"proc/.uptime", "/proc/uptime"},
	{"proc/.version", "/proc/version"},
	{"proc/.vmstat", "/proc/vmstat"},
	{"proc/.sysctl_entry_cap_last_cap", "/proc/sys/kernel/cap_last_cap"},
	{"proc/.sysctl_inotify_max_user_watches", "/proc/sys/fs/inotify/max_user_watches"},
	{"sys/.empty", "/sys/fs/selinux"},
}

// Options configures the sandbox wrapper.
type Options struct {
	// Root is the guest rootfs directory.
	Root string
	// Binary is the wrapper executable. Defaults to "proot" on PATH.
	Binary string
	// Loader overrides PROOT_LOADER when the loader ships as a separate
	// object next to the wrapper.
	Loader string
	// User is the guest account commands run as. "root" runs directly,
	// anything else goes through runuser.
	User string
	// Binds are extra host paths exposed inside the guest,
	// "source:dest" or "source:dest:ro".
	Binds []string
	// Env are extra guest environment variables, FOO=bar form. The guest
	// environment is otherwise cleared.
	Env []string
}

// Builder accumulates wrapper arguments.
type Builder struct {
	opts Options
	args []string
}

func NewBuilder(opts Options) *Builder {
	if opts.User == "" {
		opts.User = "root"
	}
	return &Builder{opts: opts}
}

// Build returns the full argument vector for running the shell command
// inside the guest.
func (b *Builder) Build(command string) ([]string, error) {
	if b.opts.Root == "" {
		return nil, fmt.Errorf("install root is required")
	}
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	b.args = b.args[:0]
	b.addBase()
	b.addSysdataBinds()
	if err := b.addExtraBinds(); err != nil {
		return nil, err
	}
	b.addGuestEnv()
	b.addShell(command)
	return append([]string(nil), b.args...), nil
}

func (b *Builder) addBase() {
	root := b.opts.Root
	b.args = append(b.args,
		"-r", root,
		"-L",
		"--link2symlink",
		"--sysvipc",
		"--kill-on-exit",
		"--root-id",
		"--bind=/dev",
		"--bind=/proc",
		"--bind=/sys",
		"--bind="+root+"/tmp:/dev/shm",
		"--bind=/dev/urandom:/dev/random",
		"--bind=/proc/self/fd:/dev/fd",
		"--bind=/proc/self/fd/0:/dev/stdin",
		"--bind=/proc/self/fd/1:/dev/stdout",
		"--bind=/proc/self/fd/2:/dev/stderr",
	)
}

func (b *Builder) addSysdataBinds() {
	for _, sb := range sysdataBinds {
		b.args = append(b.args,
			"--bind="+filepath.Join(b.opts.Root, sb.source)+":"+sb.dest)
	}
}

func (b *Builder) addExtraBinds() error {
	for _, bind := range b.opts.Binds {
		parts := strings.Split(bind, ":")
		switch len(parts) {
		case 2:
			b.args = append(b.args, "--bind="+parts[0]+":"+parts[1])
		case 3:
			if parts[2] != "ro" && parts[2] != "rw" {
				return fmt.Errorf("bind %q: mode must be ro or rw", bind)
			}
			// The wrapper has no read-only binds; ro is advisory here.
			b.args = append(b.args, "--bind="+parts[0]+":"+parts[1])
		default:
			return fmt.Errorf("bind %q: want source:dest[:mode]", bind)
		}
	}
	return nil
}

// addGuestEnv resets the guest environment through env -i, the way login
// would.
func (b *Builder) addGuestEnv() {
	user := b.opts.User
	home := "/root"
	if user != "root" {
		home = "/home/" + user
	}
	b.args = append(b.args,
		"/usr/bin/env", "-i",
		"HOME="+home,
		"LANG=C.UTF-8",
		"PATH="+guestPath,
		"TMPDIR=/tmp",
		"USER="+user,
		"LOGNAME="+user,
	)
	b.args = append(b.args, b.opts.Env...)
}

func (b *Builder) addShell(command string) {
	if b.opts.User != "root" {
		b.args = append(b.args, "runuser", "-u", b.opts.User, "--")
	}
	b.args = append(b.args, "sh", "-c", command)
}

// Command builds an exec.Cmd for the guest command. The wrapper's own
// control variables ride on the host environment.
func (b *Builder) Command(command string) (*exec.Cmd, error) {
	args, err := b.Build(command)
	if err != nil {
		return nil, err
	}
	bin := b.opts.Binary
	if bin == "" {
		bin, err = exec.LookPath("proot")
		if err != nil {
			return nil, fmt.Errorf("sandbox wrapper not found: %w", err)
		}
	}
	cmd := exec.Command(bin, args...)
	cmd.Env = append(cmd.Environ(), "PROOT_TMP_DIR="+b.opts.Root)
	if b.opts.Loader != "" {
		cmd.Env = append(cmd.Env, "PROOT_LOADER="+b.opts.Loader)
	}
	return cmd, nil
}
