/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PilzDE/pilz-github-ci-runner/reconcilers/prtester/testrunner"
	"github.com/spf13/pflag"
)

// config is read from the environment; flags take precedence.
type config struct {
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	MetricsPort int    `env:"METRICS_PORT,default=0"`
	LogDir      string `env:"HWTESTER_LOG_DIR,default=~/.ros/hardware_tests/"`

	// GitHubURL selects a GitHub Enterprise server, e.g. https://github.example.com.
	GitHubURL string `env:"GITHUB_URL"`
}

// options is the parsed command line.
type options struct {
	SetToken bool

	Repo         string
	AllowedUsers []string

	LogDir     string
	DockerOpts string
	CMakeArgs  string
	AptProxy   string
	Env        map[string]string
	SetupCmd   string
	CleanupCmd string
	CICommand  string
	LoopTime   time.Duration
	DryRun     bool
	NoKeyring  bool
}

// defaultEnv selects the ROS release tested when nothing else is asked for.
var defaultEnv = map[string]string{
	"ROS_DISTRO": "noetic",
	"ROS_REPO":   "main",
}

func parseArgs(args []string, cfg config, out io.Writer) (*options, error) {
	o := &options{}
	var (
		env      []string
		loopTime int
	)

	fs := pflag.NewFlagSet("hwtester", pflag.ContinueOnError)
	fs.SetOutput(out)
	// Accept --docker_opts as well as --docker-opts.
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	fs.Usage = func() {
		fmt.Fprint(out, usage)
		fs.PrintDefaults()
	}

	fs.StringVar(&o.LogDir, "log", cfg.LogDir, "test log directory")
	fs.StringVar(&o.DockerOpts, "docker-opts", "", "options passed to industrial_ci as DOCKER_RUN_OPTS")
	fs.StringVar(&o.CMakeArgs, "cmake-args", "", "arguments passed to the cmake run as CMAKE_ARGS")
	fs.StringVar(&o.AptProxy, "apt-proxy", "", "apt proxy passed to industrial_ci as APT_PROXY")
	fs.StringArrayVar(&env, "env", nil, "additional KEY=VALUE for the CI environment, repeatable")
	fs.StringVar(&o.SetupCmd, "setup-cmd", "", "command run before industrial_ci, e.g. to start the hardware")
	fs.StringVar(&o.CleanupCmd, "cleanup-cmd", "", "command run after industrial_ci, e.g. to stop the hardware")
	fs.StringVar(&o.CICommand, "ci-command", testrunner.DefaultCommand, "command that runs the CI")
	fs.IntVar(&loopTime, "loop-time", 0, "test eligible pull requests continuously, at most once every this many seconds")
	fs.BoolVar(&o.DryRun, "dry-run", false, "run tests without commenting on pull requests")
	fs.BoolVar(&o.NoKeyring, "no-keyring", false, "ask for the token instead of using the stored one")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	rest := fs.Args()
	if len(rest) == 1 && rest[0] == "set-token" {
		o.SetToken = true
		return o, nil
	}
	if len(rest) < 2 {
		fs.Usage()
		return nil, errors.New("REPO and at least one ALLOWED_USER are required")
	}
	o.Repo, o.AllowedUsers = rest[0], rest[1:]
	if owner, name, ok := strings.Cut(o.Repo, "/"); !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("REPO %q is not of the form owner/name", o.Repo)
	}

	if loopTime < 0 {
		return nil, fmt.Errorf("--loop-time must not be negative, got %d", loopTime)
	}
	o.LoopTime = time.Duration(loopTime) * time.Second

	o.Env = make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--env %q is not of the form KEY=VALUE", kv)
		}
		o.Env[k] = v
	}

	logDir, err := expandHome(o.LogDir)
	if err != nil {
		return nil, err
	}
	o.LogDir = logDir
	return o, nil
}

// ciEnv is the environment every test run gets on top of the process
// environment.
func (o *options) ciEnv() map[string]string {
	env := maps.Clone(defaultEnv)
	for k, v := range map[string]string{
		"DOCKER_RUN_OPTS": o.DockerOpts,
		"CMAKE_ARGS":      o.CMakeArgs,
		"APT_PROXY":       o.AptProxy,
	} {
		if v != "" {
			env[k] = v
		}
	}
	maps.Copy(env, o.Env)
	return env
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
