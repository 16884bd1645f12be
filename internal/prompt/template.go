package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	varRe = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	tagRe = regexp.MustCompile(`\{\{(?:#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*|(else)|(/if))\}\}`)
)

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

// MissingVarsError lists placeholders with no value.
type MissingVarsError struct {
	Names []string
}

func (e *MissingVarsError) Error() string {
	return "missing template variables: " + strings.Join(e.Names, ", ")
}

// Render expands {{variable}} placeholders and {{#if variable}}...{{else}}...{{/if}}
// blocks. The if branch is kept when its variable is non-empty. Values are
// inserted literally in a single pass, so build logs full of braces are safe.
func Render(tmpl string, vars Vars) (string, error) {
	result, err := resolveBlocks(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	expanded := varRe.ReplaceAllStringFunc(result, func(match string) string {
		name := match[2 : len(match)-2]
		if val, ok := vars[name]; ok {
			return val
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", &MissingVarsError{Names: missing}
	}
	return expanded, nil
}

type block struct {
	name   string
	taken  bool // the if branch is selected
	inElse bool
	outer  bool // every enclosing block is emitting
}

func (b block) emitting() bool {
	return b.outer && b.taken != b.inElse
}

// resolveBlocks keeps the selected branch of every conditional. Text inside
// a dropped branch is discarded before variables are expanded, so it may
// reference variables that are not set.
func resolveBlocks(tmpl string, vars Vars) (string, error) {
	var (
		out   strings.Builder
		stack []block
		pos   int
	)
	emitting := func() bool {
		return len(stack) == 0 || stack[len(stack)-1].emitting()
	}

	for _, loc := range tagRe.FindAllStringSubmatchIndex(tmpl, -1) {
		if emitting() {
			out.WriteString(tmpl[pos:loc[0]])
		}
		pos = loc[1]

		switch {
		case loc[2] >= 0:
			name := tmpl[loc[2]:loc[3]]
			stack = append(stack, block{name: name, taken: vars[name] != "", outer: emitting()})
		case loc[4] >= 0:
			if len(stack) == 0 {
				return "", fmt.Errorf("{{else}} outside a {{#if}} block")
			}
			top := &stack[len(stack)-1]
			if top.inElse {
				return "", fmt.Errorf("second {{else}} in {{#if %s}}", top.name)
			}
			top.inElse = true
		default:
			if len(stack) == 0 {
				return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return "", fmt.Errorf("unclosed conditional block: {{#if %s}}", stack[len(stack)-1].name)
	}
	out.WriteString(tmpl[pos:])
	return out.String(), nil
}

// LoadTemplate reads a template by name. A project-level override inside
// dir wins, then the installed copy under ~/.autoheal/templates, then the
// built-in text compiled into the binary.
func LoadTemplate(name string, dir string) (string, error) {
	if dir != "" {
		projectPath := filepath.Join(dir, name)
		absProject, err := filepath.Abs(projectPath)
		if err == nil {
			absDir, err2 := filepath.Abs(dir)
			if err2 == nil && !strings.HasPrefix(absProject, absDir+string(filepath.Separator)) && absProject != absDir {
				return "", fmt.Errorf("template path %q escapes %s", name, dir)
			}
		}
		if data, err := os.ReadFile(projectPath); err == nil {
			return string(data), nil
		}
	}

	if installed := installedTemplateDir(); installed != "" {
		if data, err := os.ReadFile(filepath.Join(installed, name)); err == nil {
			return string(data), nil
		}
	}
	if content, ok := builtinTemplates[name]; ok {
		return content, nil
	}
	return "", fmt.Errorf("template %q not found", name)
}

// LoadFile reads a template from an explicit path, typically a project's
// prompt_file setting.
func LoadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt file: %w", err)
	}
	return string(data), nil
}

func installedTemplateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".autoheal", "templates")
}

// InstallBuiltinTemplates writes the built-in templates to
// ~/.autoheal/templates/ so they can be edited. Existing files are kept.
func InstallBuiltinTemplates() error {
	dir := installedTemplateDir()
	if dir == "" {
		return fmt.Errorf("could not determine home directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}

	for name, content := range builtinTemplates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write template %q: %w", name, err)
		}
	}
	return nil
}
