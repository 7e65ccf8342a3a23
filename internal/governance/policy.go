package governance

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Policy is the governance document. Phrase lists are matched
// case-insensitively on word boundaries; path lists are prefixes.
type Policy struct {
	DenyPhrases    []string `yaml:"deny_phrases"`
	ConfirmPhrases []string `yaml:"confirm_phrases"`
	ProtectedPaths []string `yaml:"protected_paths"`
	ConfirmPaths   []string `yaml:"confirm_paths"`
	// DenyTags and ConfirmTags match PromptIR governance tags exactly.
	DenyTags    []string `yaml:"deny_tags,omitempty"`
	ConfirmTags []string `yaml:"confirm_tags,omitempty"`
}

// DefaultPolicy returns the rules written by `conductor init`.
func DefaultPolicy() Policy {
	return Policy{
		DenyPhrases: []string{
			"delete all files",
			"rm -rf",
			"format the disk",
			"drop database",
			"disable authentication",
			"exfiltrate",
		},
		ConfirmPhrases: []string{
			"force push",
			"delete branch",
			"migrate production",
			"rotate credentials",
		},
		ProtectedPaths: []string{"/etc", "/bin", "/sbin", "/boot", "/usr", "/sys", "/proc", "~/.ssh", "C:/Windows"},
		ConfirmPaths:   []string{"~/.config", "/var"},
	}
}

// Normalized trims, lowercases and de-duplicates every list.
func (p Policy) Normalized() Policy {
	return Policy{
		DenyPhrases:    normalizePhrases(p.DenyPhrases),
		ConfirmPhrases: normalizePhrases(p.ConfirmPhrases),
		ProtectedPaths: normalizePaths(p.ProtectedPaths),
		ConfirmPaths:   normalizePaths(p.ConfirmPaths),
		DenyTags:       normalizePhrases(p.DenyTags),
		ConfirmTags:    normalizePhrases(p.ConfirmTags),
	}
}

// Validate reports every malformed entry at once.
func (p Policy) Validate() error {
	var errs []error
	for field, values := range map[string][]string{
		"protected_paths": p.ProtectedPaths,
		"confirm_paths":   p.ConfirmPaths,
	} {
		for _, value := range values {
			if _, ok := pathToken(value); !ok {
				errs = append(errs, fmt.Errorf("%s: %q is not an absolute or home-relative path", field, value))
			}
		}
	}
	for field, values := range map[string][]string{
		"deny_phrases":    p.DenyPhrases,
		"confirm_phrases": p.ConfirmPhrases,
		"deny_tags":       p.DenyTags,
		"confirm_tags":    p.ConfirmTags,
	} {
		for _, value := range values {
			if strings.TrimSpace(value) == "" {
				errs = append(errs, fmt.Errorf("%s: empty entry", field))
			}
		}
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

func normalizePhrases(values []string) []string {
	set := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = normalizeText(value)
		if value == "" {
			continue
		}
		if _, ok := set[value]; ok {
			continue
		}
		set[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

func normalizePaths(values []string) []string {
	set := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		normalized, ok := pathToken(value)
		if !ok {
			continue
		}
		if _, dup := set[normalized]; dup {
			continue
		}
		set[normalized] = struct{}{}
		out = append(out, normalized)
	}
	sort.Strings(out)
	return out
}

func normalizeText(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

var drivePath = regexp.MustCompile(`^[a-zA-Z]:[\\/]`)

// pathToken normalizes a path-shaped value: absolute, home-relative or a
// Windows drive path. Backslashes become slashes; drive paths are lowercased.
func pathToken(value string) (string, bool) {
	value = strings.TrimSpace(value)
	value = strings.TrimLeft(value, "\"'`([{<")
	value = strings.TrimRight(value, "\"'`)]}>,;.:!?")
	if value == "" {
		return "", false
	}
	switch {
	case drivePath.MatchString(value):
		value = strings.ToLower(strings.ReplaceAll(value, `\`, "/"))
		return value[:2] + cleanPath(value[2:]), true
	case strings.HasPrefix(value, "/"):
		return cleanPath(strings.ReplaceAll(value, `\`, "/")), true
	case value == "~" || strings.HasPrefix(value, "~/") || strings.HasPrefix(value, `~\`):
		rest := strings.ReplaceAll(value[1:], `\`, "/")
		if rest == "" {
			return "~", true
		}
		return "~" + cleanPath(rest), true
	default:
		return "", false
	}
}

// escapesWorkspace reports whether a relative ref climbs out of the
// directory it is resolved against, returning the cleaned form.
func escapesWorkspace(value string) (string, bool) {
	value = strings.TrimSpace(strings.ReplaceAll(value, `\`, "/"))
	if value == "" {
		return "", false
	}
	cleaned := path.Clean(value)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return cleaned, true
	}
	return "", false
}

func cleanPath(value string) string {
	cleaned := path.Clean(value)
	if cleaned == "." {
		return "/"
	}
	return cleaned
}

// underPrefix reports whether candidate equals prefix or sits below it.
func underPrefix(candidate, prefix string) bool {
	if candidate == prefix {
		return true
	}
	if prefix == "/" || strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(candidate, prefix)
	}
	return strings.HasPrefix(candidate, prefix+"/")
}
