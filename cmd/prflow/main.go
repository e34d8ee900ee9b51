// Command prflow applies a prompted change across a set of repositories
// and opens a pull request in each one that needs it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/prflow/agent"
	"github.com/randalmurphal/prflow/ciwait"
	"github.com/randalmurphal/prflow/discovery"
	"github.com/randalmurphal/prflow/hosting"
	"github.com/randalmurphal/prflow/jira"
	"github.com/randalmurphal/prflow/logging"
	"github.com/randalmurphal/prflow/notify"
	"github.com/randalmurphal/prflow/pipeline"
	"github.com/randalmurphal/prflow/promptcfg"
	"github.com/randalmurphal/prflow/secrets"
	"github.com/randalmurphal/prflow/submit"
	"github.com/randalmurphal/prflow/workspace"
)

// errConfig marks errors caused by bad flags or missing configuration.
// They exit with code 2; everything else exits 1.
var errConfig = errors.New("configuration error")

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errConfig, fmt.Sprintf(format, args...))
}

type runFlags struct {
	prompt           string
	relevancePrompt  string
	changeID         string
	jiraTicket       string
	promptCfgOwner   string
	promptCfgRepo    string
	promptCfgRef     string
	promptCfgPath    string
	repos            []string
	catalogTeam      string
	workingDir       string
	contextRoots     []string
	secretPairs      []string
	secretEnvKeys    []string
	docker           bool
	model            string
	logFile          string
	logLevel         string
	quiet            bool
	keepWorkspaces   bool
	reviewAttempts   int
	ciFixAttempts    int
}

func newRootCmd() *cobra.Command {
	flags := &runFlags{reviewAttempts: -1, ciFixAttempts: -1}

	cmd := &cobra.Command{
		Use:   "prflow",
		Short: "Open pull requests for a prompted change across many repositories",
		Long: `prflow clones each target repository, asks an agent to apply a prompted
change, reviews the result, opens a pull request, and waits for CI,
feeding failures back to the agent for a bounded number of fix attempts.

The change prompt comes from --prompt, a Jira ticket, or a prompt config
file stored in a GitHub repository. Repositories come from --repo flags,
a service catalog team, or both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.prompt, "prompt", "", "change prompt; combined with a Jira or config prompt it takes priority")
	f.StringVar(&flags.relevancePrompt, "relevance-prompt", "", "yes/no question deciding whether a repo should be changed")
	f.StringVar(&flags.changeID, "change-id", "", "identifier grouping the branches of this change")
	f.StringVar(&flags.jiraTicket, "jira-ticket", "", "Jira issue key to load the prompt from (needs JIRA_* env)")
	f.StringVar(&flags.promptCfgOwner, "prompt-config-owner", "", "GitHub owner of the prompt config repo (env PROMPT_CONFIG_OWNER)")
	f.StringVar(&flags.promptCfgRepo, "prompt-config-repo", "", "GitHub repo holding the prompt config file")
	f.StringVar(&flags.promptCfgRef, "prompt-config-ref", "", "git ref of the prompt config (default main)")
	f.StringVar(&flags.promptCfgPath, "prompt-config-path", "", "path of the prompt config file in the repo")
	f.StringArrayVar(&flags.repos, "repo", nil, "repository URL, owner/name slug, or bare name (repeatable)")
	f.StringVar(&flags.catalogTeam, "catalog-team", "", "discover repositories owned by this service catalog team")
	f.StringVar(&flags.workingDir, "working-dir", "", "directory for clones (default: a fresh temp dir)")
	f.StringArrayVar(&flags.contextRoots, "context-root", nil, "extra read-only directory exposed to the agent (repeatable)")
	f.StringArrayVar(&flags.secretPairs, "secret", nil, "KEY=VALUE passed to the agent environment (repeatable)")
	f.StringArrayVar(&flags.secretEnvKeys, "secret-env", nil, "env var name whose value is passed to the agent (repeatable)")
	f.BoolVar(&flags.docker, "docker", false, "run the agent in a container instead of the host CLI")
	f.StringVar(&flags.model, "model", "", "agent model override (env AGENT_MODEL)")
	f.StringVar(&flags.logFile, "log-file", "", "rotating log file; empty disables file logging")
	f.StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn, or error")
	f.BoolVar(&flags.quiet, "quiet", false, "suppress stderr logs")
	f.BoolVar(&flags.keepWorkspaces, "keep-workspaces", false, "leave clones on disk after processing")
	f.IntVar(&flags.reviewAttempts, "review-attempts", -1, "review fix attempts per repo (env REVIEW_MAX_ATTEMPTS)")
	f.IntVar(&flags.ciFixAttempts, "ci-fix-attempts", -1, "CI fix attempts per repo (env CI_FIX_MAX_ATTEMPTS)")

	return cmd
}

// output is the machine-readable run summary printed to stdout.
type output struct {
	IrrelevantRepos []string        `json:"irrelevant_repos"`
	CreatedPRs      []submit.Result `json:"created_prs"`
}

func run(ctx context.Context, flags *runFlags, stdout io.Writer) error {
	logger, err := logging.Setup(logging.Options{
		Level:   flags.logLevel,
		LogFile: flags.logFile,
		Quiet:   flags.quiet,
	})
	if err != nil {
		return configErrorf("set up logging: %v", err)
	}
	defer logging.CloseFile()

	secretEnv, err := secrets.FromEnv(flags.secretPairs, flags.secretEnvKeys)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	prompt, relevancePrompt, changeID, err := resolvePrompt(ctx, flags)
	if err != nil {
		return err
	}

	repos, err := resolveRepos(ctx, flags, logger)
	if err != nil {
		return err
	}

	workingDir := flags.workingDir
	if workingDir == "" {
		workingDir, err = os.MkdirTemp("", "prflow-")
		if err != nil {
			return fmt.Errorf("create working dir: %w", err)
		}
		logger.Info("using temporary working directory", "path", workingDir)
	}

	state := pipeline.NewRunState(prompt, workingDir)
	state.RelevancePrompt = relevancePrompt
	state.ChangeID = changeID
	state.Repos = repos
	state.ContextRoots = agent.MergeContextRoots(flags.contextRoots, agent.ContextRootsFromEnv())
	state.Secrets = secretEnv
	if flags.reviewAttempts >= 0 || flags.ciFixAttempts >= 0 {
		review, ci := flags.reviewAttempts, flags.ciFixAttempts
		if review < 0 {
			review = pipeline.DefaultReviewMaxAttempts
		}
		if ci < 0 {
			ci = pipeline.DefaultCIMaxAttempts
		}
		state.Retry = pipeline.NewRetryState(review, ci)
	}

	deps, err := buildDeps(flags, workingDir, logger)
	if err != nil {
		return err
	}

	if err := pipeline.New(deps, state).Run(ctx); err != nil {
		if errors.Is(err, pipeline.ErrNoPrompt) ||
			errors.Is(err, pipeline.ErrNoRepos) ||
			errors.Is(err, pipeline.ErrMissingDependency) {
			return fmt.Errorf("%w: %v", errConfig, err)
		}
		return err
	}

	summary := output{
		IrrelevantRepos: state.Irrelevant,
		CreatedPRs:      state.CreatedPRs,
	}
	if summary.IrrelevantRepos == nil {
		summary.IrrelevantRepos = []string{}
	}
	if summary.CreatedPRs == nil {
		summary.CreatedPRs = []submit.Result{}
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// resolvePrompt loads the change prompt from the configured source.
// --prompt alone is the prompt; combined with a Jira ticket or a prompt
// config it becomes the highest-priority section of a merged prompt.
func resolvePrompt(ctx context.Context, flags *runFlags) (prompt, relevancePrompt, changeID string, err error) {
	if flags.jiraTicket != "" && flags.promptCfgRepo != "" {
		return "", "", "", configErrorf("--jira-ticket and --prompt-config-repo are mutually exclusive")
	}

	relevancePrompt = flags.relevancePrompt
	changeID = flags.changeID

	switch {
	case flags.jiraTicket != "":
		client, cerr := jira.NewClient(jira.Config{}.FromEnv())
		if cerr != nil {
			return "", "", "", fmt.Errorf("%w: %v", errConfig, cerr)
		}
		base, ticketID, terr := client.TicketPrompt(ctx, flags.jiraTicket)
		if terr != nil {
			return "", "", "", fmt.Errorf("load jira ticket %s: %w", flags.jiraTicket, terr)
		}
		if changeID == "" {
			changeID = ticketID
		}
		prompt = promptcfg.MergeWithCLIPrompt(base, flags.prompt, "Jira ticket "+flags.jiraTicket)

	case flags.promptCfgRepo != "":
		if flags.promptCfgPath == "" {
			return "", "", "", configErrorf("--prompt-config-path is required with --prompt-config-repo")
		}
		loader := promptcfg.NewLoader(os.Getenv("GITHUB_TOKEN"))
		prompts, lerr := loader.Load(ctx, promptcfg.Ref{
			Owner: flags.promptCfgOwner,
			Repo:  flags.promptCfgRepo,
			Ref:   flags.promptCfgRef,
			Path:  flags.promptCfgPath,
		})
		if lerr != nil {
			if errors.Is(lerr, promptcfg.ErrOwnerRequired) || errors.Is(lerr, promptcfg.ErrConfigNotFound) {
				return "", "", "", fmt.Errorf("%w: %v", errConfig, lerr)
			}
			return "", "", "", fmt.Errorf("load prompt config: %w", lerr)
		}
		if relevancePrompt == "" {
			relevancePrompt = prompts.RelevancePrompt
		}
		if changeID == "" {
			changeID = prompts.ChangeID
		}
		prompt = promptcfg.MergeWithCLIPrompt(prompts.Prompt, flags.prompt,
			"prompt config "+flags.promptCfgRepo+"/"+flags.promptCfgPath)

	default:
		if strings.TrimSpace(flags.prompt) == "" {
			return "", "", "", configErrorf("a prompt source is required: --prompt, --jira-ticket, or --prompt-config-repo")
		}
		prompt = flags.prompt
	}

	return prompt, relevancePrompt, changeID, nil
}

func resolveRepos(ctx context.Context, flags *runFlags, logger *slog.Logger) ([]string, error) {
	if len(flags.repos) == 0 && flags.catalogTeam == "" {
		return nil, configErrorf("at least one --repo or a --catalog-team is required")
	}

	var catalog *discovery.Catalog
	if flags.catalogTeam != "" {
		catalog = discovery.NewCatalog(discovery.CatalogConfig{Logger: logger})
	}
	repos, err := discovery.Resolve(ctx, catalog, flags.repos, flags.catalogTeam, "")
	if err != nil {
		if errors.Is(err, discovery.ErrMissingCredentials) || errors.Is(err, discovery.ErrNoRepos) {
			return nil, fmt.Errorf("%w: %v", errConfig, err)
		}
		return nil, fmt.Errorf("discover repositories: %w", err)
	}
	return repos, nil
}

func buildDeps(flags *runFlags, workingDir string, logger *slog.Logger) (pipeline.Deps, error) {
	var runner agent.Runner
	var err error
	if flags.docker {
		runner, err = agent.NewDockerRunner(agent.DockerConfig{Model: flags.model, Logger: logger})
	} else {
		runner, err = agent.NewCLIRunner(agent.CLIConfig{Model: flags.model, Logger: logger})
	}
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("%w: %v", errConfig, err)
	}

	gh, cloneToken, err := githubAuth(logger)
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("%w: %v", errConfig, err)
	}
	wsOpts := []workspace.Option{workspace.WithLogger(logger)}
	if cloneToken != "" {
		wsOpts = append(wsOpts, workspace.WithToken(cloneToken))
	}
	if gh != nil {
		wsOpts = append(wsOpts, workspace.WithRemoteInfo(gh))
	}

	deps := pipeline.Deps{
		Namer:      agent.NewNamingAgent(runner, logger),
		Workspaces: workspace.NewReconciler(workingDir, wsOpts...),
		Planning:   workspace.NewReconciler(filepath.Join(workingDir, "_planning"), wsOpts...),
		Relevance:  agent.NewRelevanceAgent(runner, logger),
		Change:     agent.NewChangeAgent(runner),
		Review:     agent.NewReviewAgent(runner, logger),
		Submitter:  buildSubmitter(cloneToken, logger),
		Logger:     logger,
	}

	if gh != nil {
		deps.CIWait = ciwait.NewMonitor(gh, ciwait.LoadConfig(), ciwait.WithLogger(logger))
	} else {
		logger.Warn("no GitHub credential configured, CI wait and remote branch lookup disabled")
	}

	deps.Notify = buildNotifier(logger)

	if !flags.keepWorkspaces {
		deps.Cleanup = func(_ context.Context, repoURL, path string) error {
			if path == "" || !strings.HasPrefix(path, workingDir) {
				return nil
			}
			logger.Info("removing workspace", "repo", repoURL, "path", path)
			return os.RemoveAll(path)
		}
	}

	return deps, nil
}

// buildSubmitter creates the submitter around the resolved credential so
// App-authenticated runs push with the installation token, keeping the
// SUBMIT_PR_* env knobs.
func buildSubmitter(token string, logger *slog.Logger) *submit.Submitter {
	opts := []submit.Option{submit.WithLogger(logger)}
	if v := os.Getenv("SUBMIT_PR_BASE"); v != "" {
		opts = append(opts, submit.WithBaseBranch(v))
	}
	if v := os.Getenv("SUBMIT_PR_BODY"); v != "" {
		opts = append(opts, submit.WithPRBody(v))
	}
	return submit.New(token, opts...)
}

// githubAuth resolves the GitHub credential. A GitHub App installation
// (GITHUB_APP_ID, GITHUB_APP_INSTALLATION_ID, GITHUB_APP_PRIVATE_KEY or
// GITHUB_APP_PRIVATE_KEY_FILE) takes precedence over GITHUB_TOKEN. The
// returned token authenticates clone URLs; neither it nor the key is
// ever logged. Both return values are zero when no credential is set.
func githubAuth(logger *slog.Logger) (*hosting.GitHubClient, string, error) {
	ts, ok, err := appTokenSourceFromEnv()
	if err != nil {
		return nil, "", err
	}
	if ok {
		// Installation tokens last an hour, long enough to cover a
		// run's clones; the client mints fresh ones as needed.
		tok, terr := ts.Token()
		if terr != nil {
			return nil, "", fmt.Errorf("mint installation token: %w", terr)
		}
		logger.Info("authenticating as GitHub App installation")
		return hosting.NewGitHubClientWithTokenSource(ts), tok.AccessToken, nil
	}

	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return nil, "", nil
	}
	gh, err := hosting.NewGitHubClient(token)
	if err != nil {
		return nil, "", err
	}
	return gh, token, nil
}

// appTokenSourceFromEnv builds a GitHub App token source when the app env
// vars are set. ok is false when GITHUB_APP_ID is unset.
func appTokenSourceFromEnv() (ts *hosting.AppTokenSource, ok bool, err error) {
	appID := os.Getenv("GITHUB_APP_ID")
	if appID == "" {
		return nil, false, nil
	}
	id, err := strconv.ParseInt(appID, 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("GITHUB_APP_ID: %v", err)
	}
	instID, err := strconv.ParseInt(os.Getenv("GITHUB_APP_INSTALLATION_ID"), 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("GITHUB_APP_INSTALLATION_ID: %v", err)
	}

	pem := []byte(os.Getenv("GITHUB_APP_PRIVATE_KEY"))
	if len(pem) == 0 {
		file := os.Getenv("GITHUB_APP_PRIVATE_KEY_FILE")
		if file == "" {
			return nil, false, errors.New("GITHUB_APP_PRIVATE_KEY or GITHUB_APP_PRIVATE_KEY_FILE is required with GITHUB_APP_ID")
		}
		pem, err = os.ReadFile(file)
		if err != nil {
			return nil, false, fmt.Errorf("read App private key: %w", err)
		}
	}

	ts, err = hosting.NewAppTokenSource(hosting.AppConfig{
		AppID:          id,
		InstallationID: instID,
		PrivateKeyPEM:  pem,
	})
	if err != nil {
		return nil, false, err
	}
	return ts, true, nil
}

// buildNotifier assembles the notification fan-out from the environment.
// SLACK_WEBHOOK_URL and NOTIFY_WEBHOOK_URL each add a sink; run events
// always go to the log.
func buildNotifier(logger *slog.Logger) notify.Notifier {
	sinks := []notify.Notifier{notify.NewLogNotifier(logger)}
	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" {
		sinks = append(sinks, notify.NewSlackNotifier(url,
			notify.WithSlackChannel(os.Getenv("SLACK_CHANNEL"))))
	}
	if url := os.Getenv("NOTIFY_WEBHOOK_URL"); url != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(url, nil))
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return notify.NewMultiNotifier(sinks...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "prflow:", err)
		if errors.Is(err, errConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
