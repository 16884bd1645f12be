package ai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/autoheal/internal/artifact"
	"github.com/lucasnoah/autoheal/internal/failure"
	"github.com/lucasnoah/autoheal/internal/fixer"
)

type fakeStore struct {
	records  map[string]*failure.Record
	project  *failure.Project
	attempts map[string][]failure.FixAttempt
}

func (f *fakeStore) GetFailure(_ context.Context, id string) (*failure.Record, error) {
	r, ok := f.records[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func (f *fakeStore) GetProject(context.Context, string) (*failure.Project, error) {
	return f.project, nil
}

func (f *fakeStore) ListChainAttempts(_ context.Context, root string) ([]failure.FixAttempt, error) {
	return f.attempts[root], nil
}

type fakeVCS struct{ files map[string]string }

func (v *fakeVCS) ForProject(failure.Project) (fixer.VCS, error) { return v, nil }

func (v *fakeVCS) CreateBranch(context.Context, string, string) (string, error) { return "", nil }

func (v *fakeVCS) GetFileContent(_ context.Context, path, _ string) (*fixer.FileContent, error) {
	c, ok := v.files[path]
	if !ok {
		return nil, fixer.ErrFileNotFound
	}
	return &fixer.FileContent{Content: c, SHA: "sha"}, nil
}

func (v *fakeVCS) CommitFile(context.Context, fixer.CommitRequest) (string, error) { return "", nil }

func newFixture() *fakeStore {
	return &fakeStore{
		project: &failure.Project{ID: "web", Name: "Web", Repo: "acme/web", BaseBranch: "main"},
		records: map[string]*failure.Record{
			"old": {ID: "old", ProjectID: "web", RootID: "old"},
			"f2": {
				ID: "f2", ProjectID: "web", RootID: "f2", ParentID: "old", AttemptCount: 1,
				ErrorSignature: "MODULE_NOT_FOUND:lodahs",
				Logs:           "Module not found: Can't resolve 'lodahs' in ./src/index.js",
			},
		},
		attempts: map[string][]failure.FixAttempt{
			"old": {{RootCause: "wrong version", Files: []failure.FileChange{{Filename: "package.json"}}, Outcome: "failed"}},
		},
	}
}

const goodReply = "```json\n{\"root_cause\":\"typo in import\",\"explanation\":\"use lodash\",\"files_to_change\":[{\"filename\":\"src/index.js\",\"new_content\":\"require('lodash')\\n\"}]}\n```"

func TestAnalyze(t *testing.T) {
	store := newFixture()
	sc := &scriptedCompleter{reply: goodReply}
	arts := artifact.NewStore(t.TempDir())
	vcs := &fakeVCS{files: map[string]string{"src/index.js": "require('lodahs')\n"}}

	a, err := NewAnalyzer(store, NewClient(sc, fastRetry(), nil), vcs, arts, Options{MaxRetries: 5})
	require.NoError(t, err)

	got, err := a.Analyze(context.Background(), "f2")
	require.NoError(t, err)
	assert.Equal(t, "typo in import", got.RootCause)
	require.Len(t, got.FilesToChange, 1)
	assert.Equal(t, "f2/attempt-1/prompt.md", got.PromptRef)

	require.Len(t, sc.prompts, 1)
	p := sc.prompts[0]
	assert.Contains(t, p, "MODULE_NOT_FOUND:lodahs")
	assert.Contains(t, p, "### src/index.js")
	assert.Contains(t, p, "wrong version (changed package.json)")

	refs, err := arts.List("f2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"f2/attempt-1/analysis.json",
		"f2/attempt-1/deploy.log",
		"f2/attempt-1/prompt.md",
		"f2/attempt-1/response.json",
	}, refs)
}

func TestAnalyzeProjectTemplateOverride(t *testing.T) {
	store := newFixture()
	sc := &scriptedCompleter{reply: goodReply}
	a, err := NewAnalyzer(store, NewClient(sc, fastRetry(), nil), nil, nil, Options{
		Templates: map[string]string{"web": "custom for {{project_name}}: {{error_signature}}"},
	})
	require.NoError(t, err)

	got, err := a.Analyze(context.Background(), "f2")
	require.NoError(t, err)
	assert.Empty(t, got.PromptRef)
	assert.Equal(t, "custom for Web: MODULE_NOT_FOUND:lodahs", sc.prompts[0])
}

func TestAnalyzeUnparseableReply(t *testing.T) {
	store := newFixture()
	sc := &scriptedCompleter{reply: "Sorry, I can't help with that."}
	a, err := NewAnalyzer(store, NewClient(sc, fastRetry(), nil), nil, nil, Options{})
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), "f2")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestAnalyzeWithoutBackend(t *testing.T) {
	a, err := NewAnalyzer(newFixture(), nil, nil, nil, Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, a.CheckAccess(context.Background()), ErrNoAPIKey)

	_, err = a.Analyze(context.Background(), "f2")
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestNewCompleterRequiresKey(t *testing.T) {
	_, err := NewCompleter(context.Background(), ProviderConfig{Provider: ProviderAnthropic})
	assert.ErrorIs(t, err, ErrNoAPIKey)

	_, err = NewCompleter(context.Background(), ProviderConfig{Provider: "mystery", APIKey: "k"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "mystery"))

	c, err := NewCompleter(context.Background(), ProviderConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &Anthropic{}, c)
}
