/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package testrunner runs the hardware CI driver against the merge commit
// of a single pull request. A Runner is configured with the GitHub token
// source, the log directory and the commands to run, and its Run method:
//   - Runs the optional setup command (for example to power up hardware).
//   - Clones the repository into a temporary directory and checks out the
//     forge-synthesized pull/<n>/merge ref, so the post-merge state is tested.
//   - Applies the ROS_DISTRO override from .hardware_tests.yaml, if present.
//   - Runs the CI driver, streaming its combined output live, into a per-run
//     log file, and into the returned Result.
//   - Runs the optional cleanup command, even when earlier steps failed.
//
// Runs are strictly sequential; a Runner is not meant to be used from more
// than one goroutine at a time.
package testrunner
