/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package checkexecutor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/PilzDE/pilz-github-ci-runner/reconcilers/prtester/eligibility"
	"github.com/PilzDE/pilz-github-ci-runner/reconcilers/prtester/forge"
	"github.com/PilzDE/pilz-github-ci-runner/reconcilers/prtester/outputformat"
	"github.com/PilzDE/pilz-github-ci-runner/reconcilers/prtester/testrunner"
	"github.com/chainguard-dev/clog"
	"github.com/dustin/go-humanize"
)

// Forge is the part of the forge client the executor needs.
type Forge interface {
	Repo() string
	Login(ctx context.Context) (string, error)
	ListOpenPullRequests(ctx context.Context) ([]*eligibility.PullRequest, error)
	CreateComment(ctx context.Context, number int, body string) error
}

// Tester runs the hardware tests of one pull request.
type Tester interface {
	Run(ctx context.Context, req testrunner.Request) (*testrunner.Result, error)
}

var (
	_ Forge  = (*forge.Client)(nil)
	_ Tester = (*testrunner.Runner)(nil)
)

// Executor drives test cycles against one repository.
type Executor struct {
	forge  Forge
	tester Tester

	allowedUsers []string
	env          map[string]string
	dryRun       bool
	selector     Selector
	reconnect    func(context.Context) (Forge, error)
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error

	botAccount string
}

// Option configures an Executor.
type Option func(*Executor)

// WithAllowedUsers sets the logins whose approval comments are honoured.
func WithAllowedUsers(users []string) Option {
	return func(e *Executor) {
		e.allowedUsers = users
	}
}

// WithEnv sets the variables passed to every test run.
func WithEnv(env map[string]string) Option {
	return func(e *Executor) {
		e.env = env
	}
}

// WithDryRun runs tests without commenting on pull requests.
func WithDryRun(dryRun bool) Option {
	return func(e *Executor) {
		e.dryRun = dryRun
	}
}

// WithSelector sets how pull requests are picked in manual cycles.
func WithSelector(s Selector) Option {
	return func(e *Executor) {
		e.selector = s
	}
}

// WithReconnect sets how a fresh forge client is obtained after a
// connection failure.
func WithReconnect(fn func(context.Context) (Forge, error)) Option {
	return func(e *Executor) {
		e.reconnect = fn
	}
}

// WithClock replaces the wall clock and the sleep between loop cycles.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		e.now = now
		e.sleep = sleep
	}
}

// New constructs an Executor.
func New(client Forge, tester Tester, opts ...Option) (*Executor, error) {
	if client == nil {
		return nil, errors.New("forge client cannot be nil")
	}
	if tester == nil {
		return nil, errors.New("tester cannot be nil")
	}

	e := &Executor{
		forge:  client,
		tester: tester,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.selector == nil {
		e.selector = NewConsoleSelector(nil, nil)
	}
	return e, nil
}

// StartingComment announces a test of sha.
func StartingComment(sha string) string {
	return "Starting a test for " + sha
}

// CompletionComment reports the result of testing sha. The formatted
// output is sized so the whole comment fits the forge limit; truncated is
// true when output had to be erased for that.
func CompletionComment(sha string, returnCode *int, output string) (body string, truncated bool) {
	var verdict string
	switch {
	case returnCode == nil:
		verdict = "WITHOUT A RESULT"
	case *returnCode == 0:
		verdict = "SUCCESSFULL"
	default:
		verdict = fmt.Sprintf("WITH %d FAILURES", *returnCode)
	}
	header := eligibility.FinishedPrefix(sha) + " " + verdict + "\n"
	report, truncated := outputformat.Render(output, outputformat.CommentCap-outputformat.Len(header))
	return header + report, truncated
}

// Testable lists the open pull requests, logs the status of each and
// returns those that should be tested now.
func (e *Executor) Testable(ctx context.Context) ([]eligibility.Evaluated, error) {
	log := clog.FromContext(ctx)

	bot, err := e.login(ctx)
	if err != nil {
		return nil, err
	}
	prs, err := e.forge.ListOpenPullRequests(ctx)
	if err != nil {
		return nil, err
	}

	var valid []eligibility.Evaluated
	for _, ev := range eligibility.EvaluateAll(prs, e.allowedUsers, bot) {
		log.Info(ev.Result.Status(true))
		if ev.Result.Valid() {
			valid = append(valid, ev)
		}
	}
	return valid, nil
}

// RunCycle tests the eligible pull requests once: all untested ones, or in
// manual mode those the selector picks. Forge failures end the cycle early
// without an error; an error is returned only when ctx is done or the
// selection could not be made.
func (e *Executor) RunCycle(ctx context.Context, manual bool) error {
	mode := "automatic"
	if manual {
		mode = "manual"
	}
	cyclesTotal.WithLabelValues(mode).Inc()

	candidates, err := e.Testable(ctx)
	if err != nil {
		return e.forgeFailure(ctx, err)
	}

	if manual {
		if candidates, err = e.selector.Select(ctx, candidates); err != nil {
			return fmt.Errorf("selecting pull requests: %w", err)
		}
	} else {
		candidates = untested(candidates)
	}

	for _, c := range candidates {
		if err := e.test(ctx, c); err != nil {
			return e.forgeFailure(ctx, err)
		}
	}
	return nil
}

// Loop runs automatic cycles, one every period, until ctx is done. A cycle
// that takes longer than period is followed by the next one immediately.
func (e *Executor) Loop(ctx context.Context, period time.Duration) error {
	log := clog.FromContext(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := e.now()
		if err := e.RunCycle(ctx, false); err != nil {
			return err
		}
		wait := max(0, period-e.now().Sub(start))
		log.Debugf("Next cycle in %v", wait)
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// test runs one pull request. It returns forge errors and context errors;
// failures of the test itself are reported on the pull request. The starting
// comment is posted only once the tester has begun the run, so a run that
// cannot begin leaves no trace on the pull request.
func (e *Executor) test(ctx context.Context, c eligibility.Evaluated) error {
	pr := c.PR
	log := clog.FromContext(ctx).With("pr", pr.Number).With("sha", pr.HeadSHA)
	ctx = clog.WithLogger(ctx, log)

	log.Infof("Testing %s", c.Result.Status(false))

	var (
		started  bool
		startErr error
	)
	start := e.now()
	res, err := e.tester.Run(ctx, testrunner.Request{
		Repo:    e.forge.Repo(),
		Number:  pr.Number,
		HeadSHA: pr.HeadSHA,
		Env:     maps.Clone(e.env),
		OnStart: func(ctx context.Context) error {
			if startErr = e.comment(ctx, pr.Number, StartingComment(pr.HeadSHA)); startErr != nil {
				return startErr
			}
			started = true
			return nil
		},
	})
	if startErr != nil {
		return startErr
	}

	var outcome string
	switch {
	case err != nil && ctx.Err() != nil:
		testsTotal.WithLabelValues("interrupted").Inc()
		log.Warn("Test interrupted, no result will be posted")
		return ctx.Err()
	case err != nil && !started:
		testsTotal.WithLabelValues("error").Inc()
		log.Errorf("Test could not be started: %v", err)
		return nil
	case err != nil:
		// Started runs always get a result comment, which marks the sha as
		// tested.
		outcome = "error"
		log.Errorf("Test failed before producing a result: %v", err)
		res = &testrunner.Result{Output: err.Error() + "\n"}
	case res.ReturnCode == nil:
		outcome = "no_result"
	case res.Succeeded():
		outcome = "success"
	default:
		outcome = "failure"
	}
	testsTotal.WithLabelValues(outcome).Inc()

	body, truncated := CompletionComment(pr.HeadSHA, res.ReturnCode, res.Output)
	if truncated {
		truncationsTotal.Inc()
	}
	log.Infof("Test finished with outcome %s after %s, %s of output (log: %s)",
		outcome,
		strings.TrimSpace(humanize.RelTime(start, e.now(), "", "")),
		humanize.Bytes(uint64(len(res.Output))),
		res.LogFile)

	return e.comment(ctx, pr.Number, body)
}

func (e *Executor) comment(ctx context.Context, number int, body string) error {
	if e.dryRun {
		first, _, _ := strings.Cut(body, "\n")
		clog.FromContext(ctx).Infof("Dry run, not commenting on #%d: %s", number, first)
		return nil
	}
	return e.forge.CreateComment(ctx, number, body)
}

func (e *Executor) login(ctx context.Context) (string, error) {
	if e.botAccount != "" {
		return e.botAccount, nil
	}
	login, err := e.forge.Login(ctx)
	if err != nil {
		return "", err
	}
	e.botAccount = login
	return login, nil
}

// forgeFailure logs err and decides whether it ends the caller. Only
// context errors do.
func (e *Executor) forgeFailure(ctx context.Context, err error) error {
	log := clog.FromContext(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	switch {
	case errors.Is(err, forge.ErrRateLimited):
		forgeErrorsTotal.WithLabelValues("rate_limit").Inc()
		log.Warnf("Forge rate limit reached, skipping the rest of this cycle: %v", err)
	case errors.Is(err, forge.ErrConnection):
		forgeErrorsTotal.WithLabelValues("connection").Inc()
		log.Errorf("Lost connection to the forge: %v", err)
		e.reconnectForge(ctx)
	default:
		forgeErrorsTotal.WithLabelValues("api").Inc()
		log.Errorf("Forge request failed: %v", err)
	}
	return nil
}

func (e *Executor) reconnectForge(ctx context.Context) {
	if e.reconnect == nil {
		return
	}
	client, err := e.reconnect(ctx)
	if err != nil {
		clog.FromContext(ctx).Errorf("Reconnecting to the forge failed: %v", err)
		return
	}
	e.forge = client
	e.botAccount = ""
}

func untested(candidates []eligibility.Evaluated) []eligibility.Evaluated {
	var out []eligibility.Evaluated
	for _, c := range candidates {
		if !c.Result.AlreadyTested {
			out = append(out, c)
		}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
