/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package eligibility decides whether the current head commit of a pull
// request may be tested on hardware. The decision is a pure function of a
// pull request snapshot, the list of users allowed to approve external
// commits, and the login of the account that posts test results.
package eligibility

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// EnableMarker opts a pull request into hardware testing when it appears
	// anywhere in the description.
	EnableMarker = "- [ ] Perform hardware tests"

	// ApprovalMarker, followed by the full head sha, approves an external
	// commit when posted by an allowed user.
	ApprovalMarker = "Allow hw-tests up to commit "

	// StateOpen is the forge state of a pull request that accepts changes.
	StateOpen = "open"
)

// PullRequest is a read-only snapshot of a pull request and its comments.
type PullRequest struct {
	Number   int
	Title    string
	Body     string
	State    string
	BaseRepo string
	HeadRepo string
	HeadSHA  string

	// Comments are in the chronological order returned by the forge.
	Comments []Comment
}

// Comment is a single issue comment on a pull request.
type Comment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// Result is the derived eligibility state of a pull request snapshot.
type Result struct {
	Number        int
	Title         string
	Open          bool
	Internal      bool
	RequestsTests bool
	HeadApproved  bool
	AlreadyTested bool
}

// Evaluated couples a snapshot with the result computed from it.
type Evaluated struct {
	PR     *PullRequest
	Result Result
}

// FinishedPrefix is the start of the bot comment that records a completed
// test of sha. It is the only ledger entry consulted for idempotence.
func FinishedPrefix(sha string) string {
	return "Finished test of " + sha + ":"
}

// Evaluate computes the eligibility of pr.
func Evaluate(pr *PullRequest, allowedUsers []string, botAccount string) Result {
	return Result{
		Number:        pr.Number,
		Title:         pr.Title,
		Open:          pr.State == StateOpen,
		Internal:      pr.BaseRepo != "" && pr.BaseRepo == pr.HeadRepo,
		RequestsTests: strings.Contains(pr.Body, EnableMarker),
		HeadApproved:  headApproved(pr, allowedUsers),
		AlreadyTested: alreadyTested(pr, botAccount),
	}
}

// EvaluateAll evaluates every snapshot in prs, preserving their order.
func EvaluateAll(prs []*PullRequest, allowedUsers []string, botAccount string) []Evaluated {
	out := make([]Evaluated, 0, len(prs))
	for _, pr := range prs {
		out = append(out, Evaluated{PR: pr, Result: Evaluate(pr, allowedUsers, botAccount)})
	}
	return out
}

// Valid reports whether the head commit should be tested now.
func (r Result) Valid() bool {
	return r.Open && r.RequestsTests && r.Allowed() && !r.AlreadyTested
}

// Allowed reports whether the trust policy accepts the head commit.
func (r Result) Allowed() bool {
	return r.Internal || r.HeadApproved
}

// Status renders the operator-facing status line. The long form includes the
// enable and origin state, the short form only the test state.
func (r Result) Status(long bool) string {
	title := fmt.Sprintf("PR #%d %s", r.Number, title30(r.Title))

	tested := "(Untested)"
	if r.AlreadyTested {
		tested = "(No untested changes)"
	}
	if !long {
		return title + " " + tested
	}

	enabled := "disabled"
	if r.RequestsTests {
		enabled = "enabled"
	}

	var origin string
	switch {
	case r.Internal:
		origin = "Changes are internal"
	case r.HeadApproved:
		origin = "External changes are accepted"
	default:
		origin = "Has unaccepted external changes"
	}

	return fmt.Sprintf("%s Testing %s. %s. %s", title, enabled, origin, tested)
}

func headApproved(pr *PullRequest, allowedUsers []string) bool {
	if pr.HeadSHA == "" {
		return false
	}
	needle := ApprovalMarker + pr.HeadSHA
	for _, c := range pr.Comments {
		if !slices.Contains(allowedUsers, c.Author) {
			continue
		}
		if containsToken(c.Body, needle) {
			return true
		}
	}
	return false
}

func alreadyTested(pr *PullRequest, botAccount string) bool {
	if pr.HeadSHA == "" || botAccount == "" {
		return false
	}
	prefix := FinishedPrefix(pr.HeadSHA)
	for _, c := range pr.Comments {
		if c.Author == botAccount && strings.HasPrefix(c.Body, prefix) {
			return true
		}
	}
	return false
}

// containsToken reports whether needle occurs in s and is not directly
// followed by another hex digit, so an approval for a longer sha never
// matches a shorter head sha.
func containsToken(s, needle string) bool {
	for {
		i := strings.Index(s, needle)
		if i < 0 {
			return false
		}
		end := i + len(needle)
		if end == len(s) || !isHex(s[end]) {
			return true
		}
		s = s[i+1:]
	}
}

func isHex(b byte) bool {
	return ('0' <= b && b <= '9') || ('a' <= b && b <= 'f') || ('A' <= b && b <= 'F')
}

// title30 fits a title into a 30 column field.
func title30(title string) string {
	if utf8.RuneCountInString(title) > 30 {
		runes := []rune(title)
		title = strings.TrimRight(string(runes[:28]), " \t") + ".."
	}
	if pad := 30 - utf8.RuneCountInString(title); pad > 0 {
		title += strings.Repeat(" ", pad)
	}
	return title
}
