// Package promptcfg loads change prompts from a YAML config stored in
// a GitHub repository, so recurring automation prompts can be versioned
// next to the code they change.
package promptcfg

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

// Prompt config errors.
var (
	ErrOwnerRequired  = errors.New("prompt config owner is required")
	ErrRepoRequired   = errors.New("prompt config repo and path are required")
	ErrPromptMissing  = errors.New("prompt config has no prompt")
	ErrConfigNotFound = errors.New("prompt config file not found")
)

// DefaultRef is the git ref prompt configs are read from when none is
// given.
const DefaultRef = "main"

// Prompts is the payload of a prompt config file.
type Prompts struct {
	Prompt          string `yaml:"prompt"`
	RelevancePrompt string `yaml:"relevance_prompt"`
	ChangeID        string `yaml:"change_id"`
}

// Ref holds the location of a prompt config file.
type Ref struct {
	Owner string // defaults to env PROMPT_CONFIG_OWNER
	Repo  string
	Ref   string // defaults to "main"
	Path  string
}

func (r Ref) resolve() (Ref, error) {
	if r.Owner == "" {
		r.Owner = os.Getenv("PROMPT_CONFIG_OWNER")
	}
	if r.Owner == "" {
		return r, ErrOwnerRequired
	}
	if r.Repo == "" || r.Path == "" {
		return r, ErrRepoRequired
	}
	if strings.TrimSpace(r.Ref) == "" {
		r.Ref = DefaultRef
	}
	return r, nil
}

// Loader fetches prompt configs from GitHub.
type Loader struct {
	client *github.Client
}

// NewLoader creates a loader. token may be empty for public repos.
func NewLoader(token string) *Loader {
	var httpClient *http.Client
	if token != "" {
		httpClient = oauth2.NewClient(context.Background(),
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	return &Loader{client: github.NewClient(httpClient)}
}

// NewLoaderWithClient creates a loader over an existing GitHub client.
func NewLoaderWithClient(client *github.Client) *Loader {
	return &Loader{client: client}
}

// Load fetches and parses the prompt config at ref.
func (l *Loader) Load(ctx context.Context, ref Ref) (*Prompts, error) {
	ref, err := ref.resolve()
	if err != nil {
		return nil, err
	}

	file, _, resp, err := l.client.Repositories.GetContents(ctx, ref.Owner, ref.Repo, ref.Path,
		&github.RepositoryContentGetOptions{Ref: ref.Ref})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s/%s@%s:%s", ErrConfigNotFound, ref.Owner, ref.Repo, ref.Ref, ref.Path)
		}
		return nil, fmt.Errorf("fetch prompt config: %w", err)
	}
	if file == nil {
		return nil, fmt.Errorf("%w: %s is a directory", ErrConfigNotFound, ref.Path)
	}

	raw, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode prompt config: %w", err)
	}

	var prompts Prompts
	if err := yaml.Unmarshal([]byte(raw), &prompts); err != nil {
		return nil, fmt.Errorf("parse prompt config: %w", err)
	}
	if strings.TrimSpace(prompts.Prompt) == "" {
		return nil, fmt.Errorf("%w: %s", ErrPromptMissing, ref.Path)
	}
	return &prompts, nil
}

// MergeWithCLIPrompt layers an optional CLI prompt on top of a loaded
// base prompt. The CLI prompt carries the highest priority; the base
// prompt becomes background context. baseOrigin labels where the base
// prompt came from, e.g. "prompt config" or "jira ticket PROJ-7".
func MergeWithCLIPrompt(basePrompt, cliPrompt, baseOrigin string) string {
	cli := strings.TrimSpace(cliPrompt)
	if cli == "" {
		return basePrompt
	}
	return "## Highest priority instructions (CLI)\n" +
		cli + "\n\n" +
		"## Background / base prompt (" + baseOrigin + ")\n" +
		strings.TrimSpace(basePrompt) + "\n"
}
