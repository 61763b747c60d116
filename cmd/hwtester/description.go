/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"fmt"

	"github.com/PilzDE/pilz-github-ci-runner/reconcilers/prtester/eligibility"
)

// description tells contributors how to get their pull request tested.
var description = fmt.Sprintf(`
    To enable testing of a pull request add %q to its description.

    Only internal pull requests are tested by default.
    To allow testing of a pull request from a fork, one of the ALLOWED_USERS
    has to accept its head commit with a comment like %q.
    The sha has to be the full sha of the last commit of the pull request.

`, eligibility.EnableMarker, eligibility.ApprovalMarker+"<sha>")

const usage = `Hardware tests for GitHub pull requests.

Usage:
  hwtester REPO ALLOWED_USER... [flags]
  hwtester set-token

  e.g. hwtester max/awesome_repo max theOtherOne AwesomeGuy

Without --loop-time the eligible pull requests are listed once and the ones
to test are picked interactively.

Flags:
`
