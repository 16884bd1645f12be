package signature

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lucasnoah/autoheal/internal/failure"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		logs string
		want string
	}{
		{
			name: "module not found",
			logs: "Building...\nError: Cannot find module 'lodash'\nRequire stack:",
			want: "MODULE_NOT_FOUND:lodash",
		},
		{
			name: "webpack resolve",
			logs: "Module not found: Error: Can't resolve './utils/format' in '/vercel/path0/src'",
			want: "MODULE_NOT_FOUND:./utils/format",
		},
		{
			name: "missing export",
			logs: "export 'formatDate' (imported as 'formatDate') was not found in './date'",
			want: "MISSING_EXPORT:formatDate:./date",
		},
		{
			name: "type error",
			logs: "TypeError: x is not a function\n    at main (index.js:3:5)",
			want: "TYPE_ERROR:x is not a function",
		},
		{
			name: "syntax error",
			logs: "SyntaxError: Unexpected token '}'",
			want: "SYNTAX_ERROR:Unexpected token '}'",
		},
		{
			name: "reference error",
			logs: "ReferenceError: window is not defined",
			want: "REFERENCE_ERROR:window is not defined",
		},
		{
			name: "typescript",
			logs: "src/auth.ts(42,5): error TS2345: Argument of type 'string' is not assignable",
			want: "TS_ERROR:TS2345:Argument of type 'string' is not assignable",
		},
		{
			name: "generic fallback",
			logs: "step 1 ok\nBuild Error occurred in   stage two\nmore",
			want: "GENERIC:Build Error occurred in stage two",
		},
		{
			name: "unknown",
			logs: "everything is fine\nexit 1",
			want: Unknown,
		},
		{
			name: "empty",
			logs: "",
			want: Unknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.logs))
		})
	}
}

func TestExtractPatternOrderWins(t *testing.T) {
	logs := "TypeError: boom\nError: Cannot find module 'react'"
	assert.Equal(t, "MODULE_NOT_FOUND:react", Extract(logs))
}

func TestExtractIgnoresTimestampsAndColour(t *testing.T) {
	a := "2024-05-01T10:00:00.123Z \x1b[31mTypeError: x is not a function\x1b[0m"
	b := "2024-06-11T22:15:09.999Z TypeError: x is not a function"
	assert.Equal(t, Extract(a), Extract(b))
}

func TestExtractDeterministic(t *testing.T) {
	logs := "ReferenceError: foo is not defined"
	first := Extract(logs)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Extract(logs))
	}
}

func TestExtractGenericTruncated(t *testing.T) {
	logs := "error: " + strings.Repeat("x", 500)
	got := Extract(logs)
	assert.True(t, strings.HasPrefix(got, GenericPrefix))
	assert.Len(t, got, len(GenericPrefix)+maxGenericLen)
}

func TestSignaturesDifferAcrossErrors(t *testing.T) {
	a := Extract("Cannot find module 'lodash'")
	b := Extract("TypeError: x is not a function")
	assert.NotEqual(t, a, b)
}

func TestFixHash(t *testing.T) {
	a := []failure.FileChange{{Filename: "a.js", NewContent: "one"}, {Filename: "b.js", NewContent: "two"}}
	b := []failure.FileChange{{Filename: "b.js", NewContent: "two"}, {Filename: "a.js", NewContent: "one"}}

	assert.Len(t, FixHash(a), FixHashLen)
	assert.Equal(t, FixHash(a), FixHash(a))
	assert.NotEqual(t, FixHash(a), FixHash(b), "hash is order-preserving")

	// Only contents are digested, not paths.
	c := []failure.FileChange{{Filename: "other.js", NewContent: "onetwo"}}
	assert.Equal(t, FixHash(a), FixHash(c))
}
