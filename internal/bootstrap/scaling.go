package bootstrap

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// scaleFactor derives the integer guest UI scale from the host display
// density, 160 dpi being the 1x baseline. The 1.1 bias keeps text legible
// on handheld screens that sit right at a density step.
func scaleFactor(densityDpi int) int {
	if densityDpi <= 0 {
		densityDpi = 160
	}
	return int(math.Round(math.Max(float64(densityDpi)/160*1.1, 1.0)))
}

// applyScaling writes the HiDPI settings the stock desktop reads: Xft.dpi
// in the root user's .Xresources, GDK/Qt scale factors in the LXQt session
// environment, and scaled font and titlebar sizes in the openbox config.
func (m *Manager) applyScaling() error {
	scale := scaleFactor(m.cfg.Session.DensityDpi)
	root := m.cfg.FS.Root

	xres := filepath.Join(root, "root/.Xresources")
	if err := upsertKVFile(xres, ':', [][2]string{
		{"Xft.dpi", strconv.Itoa(scale * 96)},
	}); err != nil {
		return fmt.Errorf("write .Xresources: %w", err)
	}

	sessionConf := filepath.Join(root, "root/.config/lxqt/session.conf")
	if err := os.MkdirAll(filepath.Dir(sessionConf), 0o755); err != nil {
		return err
	}
	raw, _ := os.ReadFile(sessionConf)
	out := updateINISection(string(raw), "Environment", [][2]string{
		{"GDK_SCALE", strconv.Itoa(scale)},
		{"QT_SCALE_FACTOR", strconv.Itoa(scale)},
	})
	if err := os.WriteFile(sessionConf, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write session.conf: %w", err)
	}

	return m.scaleOpenbox(scale)
}

// scaleOpenbox rewrites the window manager's font sizes, and the active
// theme's button and titlebar metrics, into the root user's config. The
// system config seeds the user copy on first run. No openbox in the rootfs
// is not an error.
func (m *Manager) scaleOpenbox(scale int) error {
	root := m.cfg.FS.Root
	userRC := filepath.Join(root, "root/.config/openbox/rc.xml")
	systemRC := filepath.Join(root, "etc/xdg/openbox/rc.xml")

	source := userRC
	if _, err := os.Stat(source); err != nil {
		source = systemRC
		if _, err := os.Stat(source); err != nil {
			return nil
		}
	}
	raw, err := os.ReadFile(source)
	if err != nil || len(raw) == 0 {
		return nil
	}

	out, theme := updateOpenboxRC(string(raw), scale, "DejaVu Sans")
	if err := os.MkdirAll(filepath.Dir(userRC), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(userRC, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write openbox rc.xml: %w", err)
	}

	if theme != "" {
		if err := m.scaleOpenboxTheme(theme, scale); err != nil {
			m.log.Warn("openbox theme scaling skipped", "theme", theme, "error", err)
		}
	}
	return nil
}

func (m *Manager) scaleOpenboxTheme(theme string, scale int) error {
	root := m.cfg.FS.Root
	userTheme := filepath.Join(root, "root/.themes", theme, "openbox-3/themerc")
	systemTheme := filepath.Join(root, "usr/share/themes", theme, "openbox-3/themerc")

	source := userTheme
	if _, err := os.Stat(source); err != nil {
		source = systemTheme
		if _, err := os.Stat(source); err != nil {
			return nil
		}
	}
	raw, err := os.ReadFile(source)
	if err != nil || len(raw) == 0 {
		return nil
	}

	lines := parseKVLines(string(raw), ':')
	lines = setKVValue(lines, "button.width", strconv.Itoa(18*scale))
	lines = setKVValue(lines, "button.height", strconv.Itoa(18*scale))
	lines = setKVValue(lines, "title.height", strconv.Itoa(22*scale))

	if err := os.MkdirAll(filepath.Dir(userTheme), 0o755); err != nil {
		return err
	}
	return os.WriteFile(userTheme, []byte(renderKVLines(lines, ':')), 0o644)
}

// kvLine is one line of a colon- or equals-delimited settings file. Lines
// that are not entries (comments, blanks) pass through untouched.
type kvLine struct {
	key    string
	value  string
	prefix string
	raw    string
	entry  bool
}

func parseKVLines(content string, delim byte) []kvLine {
	var out []kvLine
	for _, line := range strings.Split(strings.TrimSuffix(content, "\n"), "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "!") {
			out = append(out, kvLine{raw: line})
			continue
		}
		idx := strings.IndexByte(line, delim)
		if idx < 0 {
			out = append(out, kvLine{raw: line})
			continue
		}
		key := strings.TrimSpace(line[:idx])
		if key == "" {
			out = append(out, kvLine{raw: line})
			continue
		}
		out = append(out, kvLine{
			key:    key,
			value:  strings.TrimSpace(line[idx+1:]),
			prefix: line[:len(line)-len(trimmed)],
			entry:  true,
		})
	}
	return out
}

func setKVValue(lines []kvLine, key, value string) []kvLine {
	updated := false
	for i := range lines {
		if lines[i].entry && lines[i].key == key {
			lines[i].value = value
			updated = true
		}
	}
	if !updated {
		lines = append(lines, kvLine{key: key, value: value, entry: true})
	}
	return lines
}

func renderKVLines(lines []kvLine, delim byte) string {
	var b strings.Builder
	for _, l := range lines {
		if l.entry {
			b.WriteString(l.prefix)
			b.WriteString(l.key)
			b.WriteByte(delim)
			b.WriteByte(' ')
			b.WriteString(l.value)
		} else {
			b.WriteString(l.raw)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func upsertKVFile(path string, delim byte, updates [][2]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, _ := os.ReadFile(path)
	lines := parseKVLines(string(raw), delim)
	for _, kv := range updates {
		lines = setKVValue(lines, kv[0], kv[1])
	}
	return os.WriteFile(path, []byte(renderKVLines(lines, delim)), 0o644)
}

// updateINISection sets keys inside one section, keeping every other line
// as written. Existing keys are replaced in place (indentation preserved),
// missing keys are appended to the section, and a missing section is
// appended to the file.
func updateINISection(content, section string, updates [][2]string) string {
	var out []string
	inSection := false
	seenSection := false
	seenKeys := make([]bool, len(updates))

	flushMissing := func() {
		for i, kv := range updates {
			if !seenKeys[i] {
				out = append(out, kv[0]+"="+kv[1])
			}
		}
	}

	for _, line := range strings.Split(strings.TrimSuffix(content, "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			if inSection {
				flushMissing()
			}
			name := strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			inSection = strings.EqualFold(name, section)
			if inSection {
				seenSection = true
			}
			out = append(out, line)
			continue
		}

		if inSection && trimmed != "" && !strings.HasPrefix(trimmed, "#") &&
			!strings.HasPrefix(trimmed, ";") && strings.Contains(line, "=") {
			left, _, _ := strings.Cut(line, "=")
			key := strings.TrimSpace(left)
			replaced := false
			for i, kv := range updates {
				if strings.EqualFold(key, kv[0]) {
					indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
					out = append(out, indent+key+"="+kv[1])
					seenKeys[i] = true
					replaced = true
					break
				}
			}
			if replaced {
				continue
			}
		}
		out = append(out, line)
	}

	if inSection {
		flushMissing()
	} else if !seenSection {
		if len(out) > 0 && out[len(out)-1] != "" {
			out = append(out, "")
		}
		out = append(out, "["+section+"]")
		for _, kv := range updates {
			out = append(out, kv[0]+"="+kv[1])
		}
	}

	return strings.Join(out, "\n") + "\n"
}

// updateOpenboxRC adjusts every <font> block's face and size for the scale
// and reports the configured theme name so its metrics can be scaled too.
// Openbox has no scale setting of its own; sizes are baked into the config.
func updateOpenboxRC(content string, scale int, fontName string) (string, string) {
	activeSize := 10 * scale
	menuSize := 11 * scale

	var out []string
	inFont := false
	inTheme := false
	fontPlace := ""
	theme := ""

	for _, line := range strings.Split(strings.TrimSuffix(content, "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "<theme>"):
			inTheme = true
		case strings.HasPrefix(trimmed, "</theme>"):
			inTheme = false
		case strings.HasPrefix(trimmed, "<font"):
			inFont = true
			fontPlace = xmlAttr(trimmed, "place")
		case strings.HasPrefix(trimmed, "</font>"):
			inFont = false
			fontPlace = ""
		}

		if inTheme && !inFont && theme == "" {
			if name, ok := xmlTag(trimmed, "name"); ok {
				theme = name
			}
		}

		if inFont {
			indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
			if _, ok := xmlTag(trimmed, "name"); ok {
				out = append(out, indent+"<name>"+fontName+"</name>")
				continue
			}
			if _, ok := xmlTag(trimmed, "size"); ok {
				size := menuSize
				if fontPlace == "ActiveWindow" || fontPlace == "InactiveWindow" {
					size = activeSize
				}
				out = append(out, indent+"<size>"+strconv.Itoa(size)+"</size>")
				continue
			}
		}
		out = append(out, line)
	}

	return strings.Join(out, "\n") + "\n", theme
}

func xmlAttr(line, attr string) string {
	needle := attr + `="`
	start := strings.Index(line, needle)
	if start < 0 {
		return ""
	}
	rest := line[start+len(needle):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func xmlTag(line, tag string) (string, bool) {
	opening, closing := "<"+tag+">", "</"+tag+">"
	start := strings.Index(line, opening)
	end := strings.Index(line, closing)
	if start < 0 || end < start+len(opening) {
		return "", false
	}
	return strings.TrimSpace(line[start+len(opening) : end]), true
}
