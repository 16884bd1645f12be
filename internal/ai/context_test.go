package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReferencedFiles(t *testing.T) {
	logs := `Failed to compile.
./src/app/page.tsx:12:5
Type error: Property 'foo' does not exist.
  at (node_modules/next/dist/build/index.js:1:1)
Error in src/lib/util.ts:3 and again ./src/app/page.tsx:40
Config at "next.config.js"`

	got := ReferencedFiles(logs, 0)
	assert.Equal(t, []string{"src/app/page.tsx", "src/lib/util.ts", "next.config.js"}, got)
}

func TestReferencedFilesLimit(t *testing.T) {
	logs := "a.js b.js c.js d.js e.js f.js"
	assert.Len(t, ReferencedFiles(logs, MaxContextFiles), MaxContextFiles)
	assert.Empty(t, ReferencedFiles("Error: Cannot find module 'lodash'", 5))
}
