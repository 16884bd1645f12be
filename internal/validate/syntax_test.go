package validate

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	command  string
	dir      string
	exitCode int
	stderr   string
}

func (f *fakeRunner) Run(_ context.Context, dir, command string) (string, string, int, error) {
	f.dir = dir
	f.command = command
	return "", f.stderr, f.exitCode, nil
}

func TestSyntaxCheckerBuiltins(t *testing.T) {
	c := NewSyntaxChecker(nil, nil)
	ctx := context.Background()

	tests := []struct {
		path    string
		content string
		ok      bool
	}{
		{"main.go", "package main\n\nfunc main() {}\n", true},
		{"main.go", "package main\n\nfunc main() {\n", false},
		{"package.json", `{"name": "app"}`, true},
		{"package.json", `{"name": }`, false},
		{"vercel.yml", "build:\n  command: npm run build\n", true},
		{"vercel.yml", "build: [unclosed\n", false},
		{"src/index.js", "const a = () => 1;\nexport default a;\n", true},
		{"src/index.js", "const a = ( => 1;\n", false},
		{"src/app.ts", "const n: number = 1;\nexport { n };\n", true},
		{"src/app.ts", "function f( {\n", false},
		{"src/App.tsx", "export const App = () => <div>hi</div>;\n", true},
		{"tool.py", "def f():\n    return 1\n", true},
		{"tool.py", "def f(:\n    return 1\n", false},
		{"README.md", "<<< not parsed", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := c.Check(ctx, tt.path, tt.content)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var se *SyntaxError
			require.True(t, errors.As(err, &se), "want SyntaxError, got %v", err)
			assert.Equal(t, tt.path, se.Path)
		})
	}
}

func TestSyntaxCheckerExternalCommand(t *testing.T) {
	runner := &fakeRunner{exitCode: 1, stderr: "bad token"}
	c := NewSyntaxChecker(map[string]string{".rb": "ruby -c {file}"}, runner)

	err := c.Check(context.Background(), "lib/app.rb", "def x")
	var se *SyntaxError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Message, "bad token")
	assert.True(t, strings.HasPrefix(runner.command, "ruby -c "))
	assert.True(t, strings.HasSuffix(runner.command, "app.rb"))

	// The scratch directory is removed once the check is done.
	_, statErr := os.Stat(runner.dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSyntaxCheckerExternalCommandPasses(t *testing.T) {
	runner := &fakeRunner{}
	c := NewSyntaxChecker(map[string]string{".rb": "ruby -c {file}"}, runner)
	assert.NoError(t, c.Check(context.Background(), "lib/app.rb", "puts 1"))
}
