package proot

import (
	"strings"
	"testing"
)

func buildArgs(t *testing.T, opts Options, command string) []string {
	t.Helper()
	args, err := NewBuilder(opts).Build(command)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return args
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func TestBuildBaseLayout(t *testing.T) {
	args := buildArgs(t, Options{Root: "/data/arch"}, "echo hello")

	if args[0] != "-r" || args[1] != "/data/arch" {
		t.Fatalf("args start with %v, want -r /data/arch", args[:2])
	}
	for _, want := range []string{
		"--kill-on-exit",
		"--root-id",
		"--link2symlink",
		"--sysvipc",
		"--bind=/dev",
		"--bind=/data/arch/tmp:/dev/shm",
		"--bind=/dev/urandom:/dev/random",
	} {
		if !hasArg(args, want) {
			t.Errorf("missing %q in %v", want, args)
		}
	}

	// Command runs through a cleared environment.
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "/usr/bin/env -i HOME=/root") {
		t.Errorf("guest env not reset: %v", joined)
	}
	if !strings.HasSuffix(joined, "sh -c echo hello") {
		t.Errorf("command tail wrong: %v", joined)
	}
}

func TestBuildSysdataBinds(t *testing.T) {
	args := buildArgs(t, Options{Root: "/data/arch"}, "true")
	for _, want := range []string{
		"--bind=/data/arch/proc/.loadavg:/proc/loadavg",
		"--bind=/data/arch/proc/.version:/proc/version",
		"--bind=/data/arch/proc/.sysctl_entry_cap_last_cap:/proc/sys/kernel/cap_last_cap",
		"--bind=/data/arch/sys/.empty:/sys/fs/selinux",
	} {
		if !hasArg(args, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestBuildNonRootUsesRunuser(t *testing.T) {
	args := buildArgs(t, Options{Root: "/r", User: "desk"}, "startlxqt")
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "HOME=/home/desk") {
		t.Errorf("home not derived from user: %v", joined)
	}
	if !strings.Contains(joined, "USER=desk") || !strings.Contains(joined, "LOGNAME=desk") {
		t.Errorf("user env missing: %v", joined)
	}
	if !strings.HasSuffix(joined, "runuser -u desk -- sh -c startlxqt") {
		t.Errorf("runuser tail wrong: %v", joined)
	}
}

func TestBuildExtraBindsAndEnv(t *testing.T) {
	args := buildArgs(t, Options{
		Root:  "/r",
		Binds: []string{"/sdcard:/root/shared", "/run/wayland-0:/tmp/wayland-0:rw"},
		Env:   []string{"WAYLAND_DISPLAY=wayland-0", "DISPLAY=:1"},
	}, "true")

	for _, want := range []string{
		"--bind=/sdcard:/root/shared",
		"--bind=/run/wayland-0:/tmp/wayland-0",
		"WAYLAND_DISPLAY=wayland-0",
		"DISPLAY=:1",
	} {
		if !hasArg(args, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestBuildRejectsBadInput(t *testing.T) {
	if _, err := NewBuilder(Options{}).Build("true"); err == nil {
		t.Error("missing root accepted")
	}
	if _, err := NewBuilder(Options{Root: "/r"}).Build(""); err == nil {
		t.Error("empty command accepted")
	}
	if _, err := NewBuilder(Options{Root: "/r", Binds: []string{"/a:/b:rx"}}).Build("true"); err == nil {
		t.Error("bad bind mode accepted")
	}
	if _, err := NewBuilder(Options{Root: "/r", Binds: []string{"justonepart"}}).Build("true"); err == nil {
		t.Error("one-part bind accepted")
	}
}
