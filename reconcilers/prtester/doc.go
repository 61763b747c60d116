/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package prtester tests pull requests on real hardware.
//
// The subpackages build on each other:
//   - eligibility decides from a pull request snapshot whether its head
//     commit should be tested. Internal pull requests are trusted, external
//     ones need an approval comment naming the exact head sha.
//   - outputformat renders raw CI output as a comment with collapsible
//     sections that fits the forge's size limit.
//   - testrunner checks out the merge ref of a pull request and runs the CI
//     driver against it.
//   - forge lists pull requests and posts comments on GitHub.
//   - credentials finds the token to talk to GitHub with.
//   - checkexecutor ties them together into test cycles.
package prtester
