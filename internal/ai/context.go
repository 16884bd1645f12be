package ai

import (
	"path"
	"regexp"
	"strings"
)

// MaxContextFiles bounds how many referenced source files go into a prompt.
const MaxContextFiles = 5

// maxContextFileBytes skips generated or vendored blobs.
const maxContextFileBytes = 40000

var sourcePathRe = regexp.MustCompile(`(?:^|[\s'"(\[])(?:\./)?((?:[\w@.-]+/)*[\w.-]+\.(?:jsx?|tsx?|mjs|cjs|mts|cts|py|go|json|ya?ml|css|scss|vue|svelte|astro))(?::\d+)?`)

// ReferencedFiles returns the distinct repository-relative source paths
// mentioned in logs, in order of first appearance.
func ReferencedFiles(logs string, limit int) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range sourcePathRe.FindAllStringSubmatch(logs, -1) {
		p := path.Clean(m[1])
		if skipPath(p) || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func skipPath(p string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "..") {
		return true
	}
	for _, dir := range []string{"node_modules/", ".next/", "dist/", ".vercel/", "vendor/"} {
		if strings.HasPrefix(p, dir) || strings.Contains(p, "/"+dir) {
			return true
		}
	}
	return false
}
