/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package testrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/oauth2"
)

const (
	// DefaultCommand invokes industrial_ci from a sourced ROS environment.
	DefaultCommand = "rosrun industrial_ci run_ci"

	// GitFailureCode is reported as the return code when cloning, fetching
	// or checking out the pull request fails. It matches git's own exit
	// status for fatal errors.
	GitFailureCode = 128

	checkoutDirPrefix = "hwtester-checkout-"
	bannerWidth       = 50
)

// Request identifies the pull request to test and the CI environment.
type Request struct {
	// Repo is the full name of the base repository, owner/name.
	Repo    string
	Number  int
	HeadSHA string

	// Env is layered over the process environment for the CI command.
	Env map[string]string

	// OnStart, if set, is called once the run log is open and before any
	// command runs. An error from it ends the run and is returned by Run.
	OnStart func(ctx context.Context) error
}

// Result is the outcome of one test run.
type Result struct {
	// ReturnCode is nil when the CI command did not produce an exit status.
	ReturnCode *int

	// Output is the CI command's combined output, byte for byte.
	Output string

	// LogFile is the per-run log written during the run.
	LogFile string
}

// Succeeded reports whether the CI command exited with code 0.
func (r *Result) Succeeded() bool {
	return r.ReturnCode != nil && *r.ReturnCode == 0
}

// Runner executes test runs. See the package documentation for the steps.
type Runner struct {
	tokenSource oauth2.TokenSource
	logDir      string

	executor   Executor
	command    string
	setupCmd   string
	cleanupCmd string
	live       io.Writer
	remoteURL  func(repo string) string
	now        func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor replaces the shell executor used for all commands.
func WithExecutor(e Executor) Option {
	return func(r *Runner) {
		r.executor = e
	}
}

// WithCommand sets the CI command line. Defaults to DefaultCommand.
func WithCommand(line string) Option {
	return func(r *Runner) {
		r.command = line
	}
}

// WithSetupCommand sets a command to run before each test.
func WithSetupCommand(line string) Option {
	return func(r *Runner) {
		r.setupCmd = line
	}
}

// WithCleanupCommand sets a command to run after each test.
func WithCleanupCommand(line string) Option {
	return func(r *Runner) {
		r.cleanupCmd = line
	}
}

// WithLiveOutput sets where run output is streamed while it happens.
// Defaults to os.Stdout.
func WithLiveOutput(w io.Writer) Option {
	return func(r *Runner) {
		r.live = w
	}
}

// WithRemoteURL sets how an owner/name repository maps to a clone URL.
// Defaults to https://github.com/<owner>/<name>.git.
func WithRemoteURL(fn func(repo string) string) Option {
	return func(r *Runner) {
		r.remoteURL = fn
	}
}

// New constructs a Runner. The token source must grant read access to the
// repositories that will be tested.
func New(tokenSource oauth2.TokenSource, logDir string, opts ...Option) (*Runner, error) {
	if tokenSource == nil {
		return nil, errors.New("token source cannot be nil")
	}
	if strings.TrimSpace(logDir) == "" {
		return nil, errors.New("log directory cannot be empty")
	}

	r := &Runner{
		tokenSource: tokenSource,
		logDir:      logDir,
		executor:    ShellExecutor{},
		command:     DefaultCommand,
		live:        os.Stdout,
		remoteURL:   defaultRemoteURL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// LogFileName names the log of a run of sha started at t.
func LogFileName(sha string, t time.Time) string {
	return fmt.Sprintf("%s_%s.log", sha, t.Format("(2006Jan02_15:04:05)"))
}

// Run tests the merge commit of req. Failures of the git steps and of the
// CI command are reported through the Result. An error is returned only
// when the run could not be set up, when req.OnStart failed, or when ctx was
// cancelled; no Result is returned then.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	switch {
	case req.Repo == "":
		return nil, errors.New("request repo cannot be empty")
	case req.Number <= 0:
		return nil, fmt.Errorf("invalid pull request number %d", req.Number)
	case req.HeadSHA == "":
		return nil, errors.New("request head sha cannot be empty")
	}

	log := clog.FromContext(ctx).With("pr", req.Number).With("sha", req.HeadSHA)
	ctx = clog.WithLogger(ctx, log)

	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	logPath := filepath.Join(r.logDir, LogFileName(req.HeadSHA, r.now()))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}
	console := io.MultiWriter(logFile, r.live)
	log.Infof("Logging run to %s", logPath)

	var teardown *multierror.Error
	defer func() {
		if cerr := logFile.Close(); cerr != nil {
			teardown = multierror.Append(teardown, fmt.Errorf("closing log file: %w", cerr))
		}
		if teardown != nil {
			log.Warnf("Teardown of test run was incomplete: %v", teardown)
		}
	}()

	if req.OnStart != nil {
		if err := req.OnStart(ctx); err != nil {
			return nil, err
		}
	}

	// Cleanup is owed from here on, whatever happens next.
	defer func() {
		if cerr := r.cleanup(context.WithoutCancel(ctx), console); cerr != nil {
			teardown = multierror.Append(teardown, cerr)
		}
	}()
	if r.setupCmd != "" {
		if _, serr := r.shell(ctx, console, console, Command{Line: r.setupCmd, Env: os.Environ()}); serr != nil {
			log.Warnf("Setup command could not be run: %v", serr)
		}
	}

	tmp, err := os.MkdirTemp("", checkoutDirPrefix)
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() {
		if rerr := os.RemoveAll(tmp); rerr != nil {
			teardown = multierror.Append(teardown, fmt.Errorf("removing checkout: %w", rerr))
		}
	}()

	repoDir := filepath.Join(tmp, path.Base(req.Repo))
	if gerr := r.checkoutMerge(ctx, repoDir, req, console); gerr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warnf("Preparing checkout failed: %v", gerr)
		msg := fmt.Sprintf("git: %v\n", gerr)
		fmt.Fprint(console, msg)
		code := GitFailureCode
		return &Result{ReturnCode: &code, Output: msg, LogFile: logPath}, nil
	}

	env := r.environment(ctx, repoDir, req.Env)

	var captured bytes.Buffer
	code, cerr := r.shell(ctx, console, io.MultiWriter(&captured, console), Command{
		Line: r.command,
		Dir:  repoDir,
		Env:  env,
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &Result{Output: captured.String(), LogFile: logPath}
	if cerr != nil {
		log.Errorf("CI command could not be run: %v", cerr)
		return res, nil
	}
	res.ReturnCode = &code
	log.Infof("CI command exited with code %d", code)
	return res, nil
}

func (r *Runner) cleanup(ctx context.Context, console io.Writer) error {
	if r.cleanupCmd == "" {
		return nil
	}
	code, err := r.shell(ctx, console, console, Command{Line: r.cleanupCmd, Env: os.Environ()})
	switch {
	case err != nil:
		return fmt.Errorf("running cleanup command: %w", err)
	case code != 0:
		return fmt.Errorf("cleanup command exited with code %d", code)
	}
	return nil
}

// shell runs cmd between banners written to console, sending the command's
// own output to out.
func (r *Runner) shell(ctx context.Context, console, out io.Writer, cmd Command) (int, error) {
	fmt.Fprintf(console, "\n%s\nExecuting: %s\n\n", strings.Repeat(">", bannerWidth), cmd.Line)
	defer fmt.Fprintln(console, strings.Repeat("<", bannerWidth))
	return r.executor.Run(ctx, cmd, out)
}

// checkoutMerge clones the repository into dir and checks out the merge ref
// of the pull request, detached.
func (r *Runner) checkoutMerge(ctx context.Context, dir string, req Request, progress io.Writer) error {
	log := clog.FromContext(ctx)

	auth, err := r.authForRemote()
	if err != nil {
		return fmt.Errorf("getting token: %w", err)
	}

	remote := r.remoteURL(req.Repo)
	log.Infof("Cloning repository %s into %s", req.Repo, dir)
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:      remote,
		Auth:     auth,
		Progress: progress,
	})
	if err != nil {
		return fmt.Errorf("cloning repository: %w", err)
	}

	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("reading repository config: %w", err)
	}
	cfg.Raw.Section("advice").SetOption("detachedHead", "false")
	if err := repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("writing repository config: %w", err)
	}

	local := plumbing.ReferenceName(fmt.Sprintf("refs/remotes/origin/pr/%d/merge", req.Number))
	refSpec := gitconfig.RefSpec(fmt.Sprintf("+refs/pull/%d/merge:%s", req.Number, local))

	log.Infof("Fetching %s", refSpec)
	if err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       auth,
		Progress:   progress,
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching pull/%d/merge: %w", req.Number, err)
	}

	ref, err := repo.Reference(local, true)
	if err != nil {
		return fmt.Errorf("resolving pull/%d/merge: %w", req.Number, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: ref.Hash(), Force: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", ref.Hash(), err)
	}

	log.Infof("Checked out merge commit %s", ref.Hash())
	return nil
}

// environment layers the caller's variables and the repository override
// over the process environment.
func (r *Runner) environment(ctx context.Context, repoDir string, overrides map[string]string) []string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	for k, v := range overrides {
		env[k] = v
	}
	if distro := distroOverride(ctx, repoDir); distro != "" {
		clog.FromContext(ctx).Infof("Repository requests %s=%s", DistroEnv, distro)
		env[DistroEnv] = distro
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

func (r *Runner) authForRemote() (transport.AuthMethod, error) {
	token, err := r.tokenSource.Token()
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, nil
	}
	return &githttp.BasicAuth{
		Username: "unused-when-using-access-tokens",
		Password: token.AccessToken,
	}, nil
}

func defaultRemoteURL(repo string) string {
	return fmt.Sprintf("https://github.com/%s.git", repo)
}
