/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/pflag"
)

func testConfig() config {
	return config{LogDir: "/var/log/hwtester"}
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want *options
	}{{
		name: "minimal",
		args: []string{"max/awesome_repo", "max"},
		want: &options{
			Repo:         "max/awesome_repo",
			AllowedUsers: []string{"max"},
			LogDir:       "/var/log/hwtester",
			CICommand:    "rosrun industrial_ci run_ci",
			Env:          map[string]string{},
		},
	}, {
		name: "everything",
		args: []string{
			"max/awesome_repo", "max", "theOtherOne", "AwesomeGuy",
			"--log", "/tmp/hw",
			"--docker-opts", "--device=/dev/ttyUSB0",
			"--cmake-args=-DENABLE_HW=ON",
			"--apt-proxy", "http://proxy:3142",
			"--env", "ROS_DISTRO=melodic",
			"--env", "UPSTREAM_WORKSPACE=a,b=c",
			"--setup-cmd", "power on",
			"--cleanup-cmd", "power off",
			"--ci-command", "make ci",
			"--loop-time", "300",
			"--dry-run",
			"--no-keyring",
		},
		want: &options{
			Repo:         "max/awesome_repo",
			AllowedUsers: []string{"max", "theOtherOne", "AwesomeGuy"},
			LogDir:       "/tmp/hw",
			DockerOpts:   "--device=/dev/ttyUSB0",
			CMakeArgs:    "-DENABLE_HW=ON",
			AptProxy:     "http://proxy:3142",
			Env:          map[string]string{"ROS_DISTRO": "melodic", "UPSTREAM_WORKSPACE": "a,b=c"},
			SetupCmd:     "power on",
			CleanupCmd:   "power off",
			CICommand:    "make ci",
			LoopTime:     5 * time.Minute,
			DryRun:       true,
			NoKeyring:    true,
		},
	}, {
		name: "underscore flags",
		args: []string{"--docker_opts=-v /dev:/dev", "--loop_time=60", "org/repo", "alice"},
		want: &options{
			Repo:         "org/repo",
			AllowedUsers: []string{"alice"},
			LogDir:       "/var/log/hwtester",
			DockerOpts:   "-v /dev:/dev",
			CICommand:    "rosrun industrial_ci run_ci",
			LoopTime:     time.Minute,
			Env:          map[string]string{},
		},
	}, {
		name: "set-token",
		args: []string{"set-token"},
		want: &options{SetToken: true, LogDir: "/var/log/hwtester", CICommand: "rosrun industrial_ci run_ci"},
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args, testConfig(), io.Discard)
			if err != nil {
				t.Fatalf("parseArgs: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parseArgs() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseArgsErrors(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"org/repo"},
		{"repo", "alice"},
		{"/repo", "alice"},
		{"org/repo", "alice", "--env", "NOVALUE"},
		{"org/repo", "alice", "--env", "=x"},
		{"org/repo", "alice", "--loop-time", "-5"},
		{"org/repo", "alice", "--unknown"},
	} {
		if _, err := parseArgs(args, testConfig(), io.Discard); err == nil {
			t.Errorf("parseArgs(%q) error = nil, want an error", args)
		}
	}
}

func TestParseArgsHelp(t *testing.T) {
	var out strings.Builder
	_, err := parseArgs([]string{"--help"}, testConfig(), &out)
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("parseArgs(--help) error = %v, want pflag.ErrHelp", err)
	}
	for _, want := range []string{"hwtester REPO ALLOWED_USER...", "--loop-time", "--docker-opts"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("usage does not mention %q:\n%s", want, out.String())
		}
	}
}

func TestParseArgsExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := parseArgs([]string{"org/repo", "alice"}, config{LogDir: "~/.ros/hardware_tests/"}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if want := filepath.Join(home, ".ros", "hardware_tests"); got.LogDir != want {
		t.Errorf("LogDir = %q, want %q", got.LogDir, want)
	}
}

func TestConfigFromEnvironment(t *testing.T) {
	lookuper := envconfig.MapLookuper(map[string]string{
		"LOG_LEVEL":        "debug",
		"HWTESTER_LOG_DIR": "/srv/hw",
	})
	var cfg config
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		t.Fatalf("ProcessWith: %v", err)
	}
	want := config{LogLevel: "debug", LogDir: "/srv/hw"}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	// --log overrides the environment.
	opts, err := parseArgs([]string{"--log", "/tmp/x", "org/repo", "alice"}, cfg, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if opts.LogDir != "/tmp/x" {
		t.Errorf("LogDir = %q, want the flag value", opts.LogDir)
	}
}

func TestCIEnv(t *testing.T) {
	tests := []struct {
		name string
		opts options
		want map[string]string
	}{{
		name: "defaults",
		want: map[string]string{"ROS_DISTRO": "noetic", "ROS_REPO": "main"},
	}, {
		name: "flags",
		opts: options{DockerOpts: "--privileged", CMakeArgs: "-DX=1", AptProxy: "http://p"},
		want: map[string]string{
			"ROS_DISTRO": "noetic", "ROS_REPO": "main",
			"DOCKER_RUN_OPTS": "--privileged", "CMAKE_ARGS": "-DX=1", "APT_PROXY": "http://p",
		},
	}, {
		name: "env overrides",
		opts: options{CMakeArgs: "-DX=1", Env: map[string]string{"ROS_DISTRO": "melodic", "CMAKE_ARGS": "-DY=2"}},
		want: map[string]string{"ROS_DISTRO": "melodic", "ROS_REPO": "main", "CMAKE_ARGS": "-DY=2"},
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.opts.ciEnv()); diff != "" {
				t.Errorf("ciEnv() mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if defaultEnv["ROS_DISTRO"] != "noetic" {
		t.Error("ciEnv() modified the defaults")
	}
}

func TestDescriptionNamesTheMarkers(t *testing.T) {
	for _, want := range []string{"- [ ] Perform hardware tests", "Allow hw-tests up to commit <sha>"} {
		if !strings.Contains(description, want) {
			t.Errorf("description does not contain %q", want)
		}
	}
}

func TestRunStopsMetricsWithWork(t *testing.T) {
	ran := false
	err := run(context.Background(), 0, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Errorf("run() = %v, ran = %v; want nil, true", err, ran)
	}

	wantErr := errors.New("boom")
	if err := run(context.Background(), freePort(t), func(context.Context) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("run() error = %v, want %v", err, wantErr)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestOpenConsoleLog(t *testing.T) {
	dir := t.TempDir()
	console, closeLog, err := openConsoleLog(dir)
	if err != nil {
		t.Fatalf("openConsoleLog: %v", err)
	}
	if _, err := io.WriteString(console.file, "hello\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	closeLog()

	got, err := os.ReadFile(filepath.Join(dir, "stdout.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello\n" {
		t.Errorf("stdout.log = %q, want %q", got, "hello\n")
	}
}
