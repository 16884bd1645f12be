// Package signature fingerprints deployment failures and proposed fixes so
// the fix loop can tell when it is going in circles.
package signature

import (
	"regexp"
	"strings"
)

// Unknown is returned when the logs carry no recognisable error.
const Unknown = "UNKNOWN"

// GenericPrefix marks signatures taken from the first error-looking line.
const GenericPrefix = "GENERIC:"

const (
	maxDetailLen  = 160
	maxGenericLen = 120
)

type pattern struct {
	id string
	re *regexp.Regexp
}

// Order matters: the first pattern that matches anywhere in the logs wins,
// so more specific failures are listed before the catch-alls.
var patterns = []pattern{
	{"MODULE_NOT_FOUND", regexp.MustCompile(`Cannot find module '([^']+)'`)},
	{"MODULE_NOT_FOUND", regexp.MustCompile(`Module not found: (?:Error: )?Can't resolve '([^']+)'`)},
	{"MODULE_NOT_FOUND", regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`)},
	{"MISSING_EXPORT", regexp.MustCompile(`export '([^']+)' \(imported as '[^']+'\) was not found in '([^']+)'`)},
	{"MISSING_EXPORT", regexp.MustCompile(`does not provide an export named '([^']+)'`)},
	{"MISSING_EXPORT", regexp.MustCompile(`Module '"?([^'"]+)"?' has no exported member '([^']+)'`)},
	{"SYNTAX_ERROR", regexp.MustCompile(`SyntaxError: ([^\n]+)`)},
	{"REFERENCE_ERROR", regexp.MustCompile(`ReferenceError: ([^\n]+)`)},
	{"TYPE_ERROR", regexp.MustCompile(`TypeError: ([^\n]+)`)},
	{"TS_ERROR", regexp.MustCompile(`error (TS\d+): ([^\n]+)`)},
	{"GO_BUILD", regexp.MustCompile(`\.go:\d+:\d+: ([^\n]+)`)},
	{"IMPORT_ERROR", regexp.MustCompile(`(?:ImportError|NameError): ([^\n]+)`)},
	{"OUT_OF_MEMORY", regexp.MustCompile(`(JavaScript heap out of memory)`)},
	{"BUILD_COMMAND", regexp.MustCompile(`Command "([^"]+)" exited with (\d+)`)},
}

var (
	ansiRe       = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	// Timestamps and positions drift between otherwise identical builds.
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?Z?`)
	positionRe  = regexp.MustCompile(`[:(]\d+[:,]\d+\)?`)
)

// Extract returns a short, stable fingerprint for the given logs. The same
// input always produces the same output.
func Extract(logs string) string {
	text := ansiRe.ReplaceAllString(logs, "")

	for _, p := range patterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		parts := make([]string, 0, len(m)-1)
		for _, g := range m[1:] {
			if g = normalize(g); g != "" {
				parts = append(parts, g)
			}
		}
		return p.id + ":" + truncate(strings.Join(parts, ":"), maxDetailLen)
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(strings.ToLower(line), "error") {
			return GenericPrefix + truncate(normalize(line), maxGenericLen)
		}
	}
	return Unknown
}

func normalize(s string) string {
	s = timestampRe.ReplaceAllString(s, "")
	s = positionRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// truncate cuts at a rune boundary so signatures stay valid UTF-8.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
