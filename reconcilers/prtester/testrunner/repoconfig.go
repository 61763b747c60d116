/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package testrunner

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"gopkg.in/yaml.v3"
)

const (
	// RepoConfigFile is read from the root of the checked out repository.
	RepoConfigFile = ".hardware_tests.yaml"

	// DistroEnv is the only environment variable a repository may override.
	DistroEnv = "ROS_DISTRO"
)

type repoConfig struct {
	RosDistro string `yaml:"ros_distro"`
}

// distroOverride returns the distribution requested by the repository, or
// "" when the file is missing, unreadable, malformed or does not set one.
func distroOverride(ctx context.Context, repoDir string) string {
	log := clog.FromContext(ctx)

	data, err := os.ReadFile(filepath.Join(repoDir, RepoConfigFile))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Debugf("Ignoring unreadable %s: %v", RepoConfigFile, err)
		}
		return ""
	}

	var cfg repoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Debugf("Ignoring malformed %s: %v", RepoConfigFile, err)
		return ""
	}
	return strings.TrimSpace(cfg.RosDistro)
}
