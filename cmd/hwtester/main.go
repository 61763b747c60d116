/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main runs hardware tests for the pull requests of a GitHub
// repository on the machine it is started on, and reports the results as
// pull request comments.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/PilzDE/pilz-github-ci-runner/reconcilers/prtester/checkexecutor"
	"github.com/PilzDE/pilz-github-ci-runner/reconcilers/prtester/credentials"
	"github.com/PilzDE/pilz-github-ci-runner/reconcilers/prtester/forge"
	"github.com/PilzDE/pilz-github-ci-runner/reconcilers/prtester/testrunner"
	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/pflag"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	opts, err := parseArgs(os.Args[1:], cfg, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	store, err := credentials.DefaultFileStore()
	if err != nil {
		clog.FatalContextf(ctx, "locating token store: %v", err)
	}
	prompt := credentials.Prompt(os.Stderr, os.Stdin, int(os.Stdin.Fd()))

	if opts.SetToken {
		fmt.Fprintln(os.Stderr, "Please provide a GitHub personal access token with 'public_repo' permission.")
		token, err := prompt()
		if err != nil {
			clog.FatalContextf(ctx, "reading token: %v", err)
		}
		if err := store.Set(token); err != nil {
			clog.FatalContextf(ctx, "storing token: %v", err)
		}
		clog.InfoContextf(ctx, "Stored token in %s", store.Path)
		return
	}

	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		clog.FatalContextf(ctx, "creating log directory: %v", err)
	}
	console, closeLog, err := openConsoleLog(opts.LogDir)
	if err != nil {
		clog.FatalContextf(ctx, "opening console log: %v", err)
	}
	defer closeLog()
	ctx = clog.WithLogger(ctx, clog.New(slog.NewTextHandler(io.MultiWriter(os.Stderr, console.file), &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	token, err := credentials.Resolve(ctx, store, prompt, opts.NoKeyring)
	if err != nil {
		clog.FatalContextf(ctx, "getting GitHub token: %v", err)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})

	var forgeOpts []forge.Option
	runnerOpts := []testrunner.Option{
		testrunner.WithCommand(opts.CICommand),
		testrunner.WithSetupCommand(opts.SetupCmd),
		testrunner.WithCleanupCommand(opts.CleanupCmd),
		testrunner.WithLiveOutput(console),
	}
	if base := strings.TrimSuffix(cfg.GitHubURL, "/"); base != "" {
		forgeOpts = append(forgeOpts, forge.WithBaseURL(base))
		runnerOpts = append(runnerOpts, testrunner.WithRemoteURL(func(repo string) string {
			return base + "/" + repo + ".git"
		}))
	}

	client, err := forge.New(ctx, opts.Repo, ts, forgeOpts...)
	if err != nil {
		clog.FatalContextf(ctx, "creating forge client: %v", err)
	}
	bot, err := client.Login(ctx)
	if err != nil {
		clog.FatalContextf(ctx, "resolving the account of the token: %v", err)
	}
	clog.InfoContextf(ctx, "Testing pull requests of %s as %s", client.Repo(), bot)

	runner, err := testrunner.New(ts, opts.LogDir, runnerOpts...)
	if err != nil {
		clog.FatalContextf(ctx, "creating test runner: %v", err)
	}

	exec, err := checkexecutor.New(client, runner,
		checkexecutor.WithAllowedUsers(opts.AllowedUsers),
		checkexecutor.WithEnv(opts.ciEnv()),
		checkexecutor.WithDryRun(opts.DryRun),
		checkexecutor.WithSelector(checkexecutor.NewConsoleSelector(os.Stdin, console)),
		checkexecutor.WithReconnect(func(ctx context.Context) (checkexecutor.Forge, error) {
			return forge.New(ctx, opts.Repo, ts, forgeOpts...)
		}),
	)
	if err != nil {
		clog.FatalContextf(ctx, "creating check executor: %v", err)
	}

	fmt.Fprint(console, description)

	if err := run(ctx, cfg.MetricsPort, func(ctx context.Context) error {
		if opts.LoopTime > 0 {
			return exec.Loop(ctx, opts.LoopTime)
		}
		return exec.RunCycle(ctx, true)
	}); err != nil && !errors.Is(err, context.Canceled) {
		clog.FatalContextf(ctx, "testing failed: %v", err)
	}
}

// run calls work and, if metricsPort is set, serves metrics until work returns.
func run(ctx context.Context, metricsPort int, work func(context.Context) error) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	if metricsPort > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", metricsPort),
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		eg.Go(func() error {
			clog.InfoContextf(ctx, "Serving metrics on %s", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving metrics: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.WithoutCancel(ctx))
		})
	}
	eg.Go(func() error {
		defer stop()
		return work(ctx)
	})
	return eg.Wait()
}

// consoleLog mirrors everything written to stdout into stdout.log.
type consoleLog struct {
	io.Writer
	file *os.File
}

func openConsoleLog(logDir string) (*consoleLog, func(), error) {
	f, err := os.OpenFile(filepath.Join(logDir, "stdout.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return &consoleLog{Writer: io.MultiWriter(os.Stdout, f), file: f}, func() { _ = f.Close() }, nil
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
