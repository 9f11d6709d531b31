package config

import "strings"

// applyTryKeys implements one-shot overrides: a scalar line "try_foo: v"
// overrides "foo" for this load only. The returned writeBack content has
// every try_ line commented out so the override is not applied twice.
//
// Keys are matched textually per indentation level, which is enough for the
// flat two-level mappings this config uses. If a key appears more than once
// at the same indent the first occurrence wins, matching how overrides are
// resolved here.
func applyTryKeys(content string) (effective string, writeBack string, changed bool) {
	type slot struct {
		indent string
		key    string
	}

	var effLines []string
	var backLines []string
	// position of each plain key line in effLines, so a later try_ line
	// can rewrite it in place
	seen := map[slot]int{}
	// keys already satisfied by an applied try_ line; later plain lines
	// for the same key are dropped from the effective content to avoid
	// duplicate-mapping errors
	overridden := map[slot]bool{}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]

		key, value, isKV := splitKeyLine(trimmed)
		if !isKV || strings.HasPrefix(trimmed, "#") {
			effLines = append(effLines, line)
			backLines = append(backLines, line)
			continue
		}

		if strings.HasPrefix(key, "try_") {
			actual := strings.TrimPrefix(key, "try_")
			s := slot{indent, actual}
			if idx, ok := seen[s]; ok {
				effLines[idx] = indent + actual + ": " + value
			} else {
				effLines = append(effLines, indent+actual+": "+value)
				seen[s] = len(effLines) - 1
			}
			overridden[s] = true
			backLines = append(backLines, indent+"# "+trimmed)
			changed = true
			continue
		}

		s := slot{indent, key}
		backLines = append(backLines, line)
		if overridden[s] {
			continue
		}
		if _, ok := seen[s]; !ok {
			seen[s] = len(effLines)
		}
		effLines = append(effLines, line)
	}

	return strings.Join(effLines, "\n"), strings.Join(backLines, "\n"), changed
}

// splitKeyLine splits a "key: value" scalar line. Mapping headers
// ("session:") and list items are not key/value lines for override purposes.
func splitKeyLine(trimmed string) (key, value string, ok bool) {
	if trimmed == "" || strings.HasPrefix(trimmed, "- ") {
		return "", "", false
	}
	i := strings.Index(trimmed, ":")
	if i <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(trimmed[:i])
	value = strings.TrimSpace(trimmed[i+1:])
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}
