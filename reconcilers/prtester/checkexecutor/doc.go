/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package checkexecutor runs test cycles: it lists the open pull requests
// of a repository, picks the eligible ones, tests each on the local hardware
// and reports the result as a pull request comment.
//
// A cycle announces every test with a "Starting a test for <sha>" comment
// and closes it with a "Finished test of <sha>: ..." comment carrying the
// formatted CI output. The finished comment is also what marks the commit
// as tested, so an interrupted test is retried in a later cycle.
//
// Forge failures never end the process. A rate limit ends the current
// cycle, a connection failure additionally replaces the forge client
// through the reconnect hook.
//
// Example:
//
//	exec, err := checkexecutor.New(client, runner,
//		checkexecutor.WithAllowedUsers([]string{"maintainer"}),
//		checkexecutor.WithEnv(map[string]string{"ROS_DISTRO": "noetic"}),
//	)
//	if err != nil {
//		return err
//	}
//	return exec.Loop(ctx, 5*time.Minute)
package checkexecutor
