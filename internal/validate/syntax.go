package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"gopkg.in/yaml.v3"
)

// SyntaxError reports a file that failed to parse.
type SyntaxError struct {
	Path    string
	Line    int
	Message string
}

func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// maxCommandOutput caps the external checker output kept in an error.
const maxCommandOutput = 2000

// SyntaxChecker parses proposed content in a scratch directory. Built-in
// parsers cover Go, JSON, YAML, JavaScript, TypeScript and Python; other
// extensions can be mapped to an external command containing {file}.
type SyntaxChecker struct {
	commands map[string]string
	runner   CommandRunner
	timeout  time.Duration
}

// NewSyntaxChecker creates a checker. commands maps an extension such as
// ".rb" to a shell command; a nil runner uses ExecRunner.
func NewSyntaxChecker(commands map[string]string, runner CommandRunner) *SyntaxChecker {
	if runner == nil {
		runner = &ExecRunner{}
	}
	return &SyntaxChecker{commands: commands, runner: runner, timeout: 30 * time.Second}
}

func treeSitterLanguage(ext string) *sitter.Language {
	switch ext {
	case ".js", ".jsx", ".mjs", ".cjs":
		return javascript.GetLanguage()
	case ".ts", ".mts", ".cts":
		return typescript.GetLanguage()
	case ".tsx":
		return tsx.GetLanguage()
	case ".py":
		return python.GetLanguage()
	}
	return nil
}

// Check writes content to a scratch copy named like path and parses it.
// Files with no known checker pass.
func (c *SyntaxChecker) Check(ctx context.Context, path, content string) error {
	ext := strings.ToLower(filepath.Ext(path))
	cmd, hasCmd := c.commands[ext]
	lang := treeSitterLanguage(ext)
	if !hasCmd && lang == nil && ext != ".go" && ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil
	}

	dir, err := os.MkdirTemp("", "autoheal-syntax-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	scratch := filepath.Join(dir, filepath.Base(path))
	if err := os.WriteFile(scratch, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write scratch copy: %w", err)
	}

	if hasCmd {
		return c.runCommand(ctx, dir, scratch, path, cmd)
	}

	data, err := os.ReadFile(scratch)
	if err != nil {
		return fmt.Errorf("read scratch copy: %w", err)
	}

	switch {
	case ext == ".go":
		fset := token.NewFileSet()
		if _, err := parser.ParseFile(fset, scratch, data, parser.AllErrors); err != nil {
			return &SyntaxError{Path: path, Message: strings.TrimPrefix(err.Error(), scratch+":")}
		}
	case ext == ".json":
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return &SyntaxError{Path: path, Message: err.Error()}
		}
	case ext == ".yaml" || ext == ".yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return &SyntaxError{Path: path, Message: err.Error()}
		}
	case lang != nil:
		root, err := sitter.ParseCtx(ctx, data, lang)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if root.HasError() {
			line, kind := firstErrorNode(root)
			return &SyntaxError{Path: path, Line: line, Message: kind}
		}
	}
	return nil
}

func (c *SyntaxChecker) runCommand(ctx context.Context, dir, scratch, path, command string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	command = strings.ReplaceAll(command, "{file}", scratch)
	stdout, stderr, exitCode, err := c.runner.Run(ctx, dir, command)
	if err != nil {
		return fmt.Errorf("run syntax check for %s: %w", path, err)
	}
	if exitCode == 0 {
		return nil
	}
	out := strings.TrimSpace(stdout + "\n" + stderr)
	out = strings.ReplaceAll(out, scratch, path)
	if len(out) > maxCommandOutput {
		out = out[:maxCommandOutput]
	}
	return &SyntaxError{Path: path, Message: fmt.Sprintf("exit code %d: %s", exitCode, out)}
}

// firstErrorNode walks the tree depth-first for the first ERROR or MISSING node.
func firstErrorNode(n *sitter.Node) (int, string) {
	if n.IsError() {
		return int(n.StartPoint().Row) + 1, "unexpected syntax"
	}
	if n.IsMissing() {
		return int(n.StartPoint().Row) + 1, "missing " + n.Type()
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child == nil || !child.HasError() && !child.IsMissing() {
			continue
		}
		if line, kind := firstErrorNode(child); line > 0 {
			return line, kind
		}
	}
	return int(n.StartPoint().Row) + 1, "syntax error"
}
