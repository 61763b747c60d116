/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package checkexecutor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/PilzDE/pilz-github-ci-runner/reconcilers/prtester/eligibility"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// NothingToTest is printed when a manual cycle has no candidates.
const NothingToTest = "No pull requests ready to test."

// Selector picks the pull requests a manual cycle tests, in test order.
type Selector interface {
	Select(ctx context.Context, candidates []eligibility.Evaluated) ([]eligibility.Evaluated, error)
}

// ConsoleSelector asks the operator on a terminal.
type ConsoleSelector struct {
	in  *bufio.Reader
	out io.Writer
}

var _ Selector = (*ConsoleSelector)(nil)

// NewConsoleSelector reads answers from in and writes the candidate table
// to out. Nil values default to stdin and stdout.
func NewConsoleSelector(in io.Reader, out io.Writer) *ConsoleSelector {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSelector{in: bufio.NewReader(in), out: out}
}

// Select implements Selector. It prints the candidates as a table and
// reads one line of comma separated indices or #numbers.
func (s *ConsoleSelector) Select(_ context.Context, candidates []eligibility.Evaluated) ([]eligibility.Evaluated, error) {
	if len(candidates) == 0 {
		fmt.Fprintln(s.out, NothingToTest)
		return nil, nil
	}

	table := candidateTable(s.out)
	for i, c := range candidates {
		_ = table.Append([]string{strconv.Itoa(i), "#" + strconv.Itoa(c.PR.Number), c.Result.Status(false)})
	}
	if err := table.Render(); err != nil {
		return nil, fmt.Errorf("rendering candidates: %w", err)
	}

	fmt.Fprint(s.out, "Select pull requests to test (index or #number, comma separated): ")
	line, err := s.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading selection: %w", err)
	}
	return ParseSelection(line, candidates), nil
}

func candidateTable(w io.Writer) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader([]string{"Index", "PR", "Status"}),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{Left: tw.On, Top: tw.Off, Right: tw.On, Bottom: tw.Off},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}

// ParseSelection resolves comma separated tokens against candidates. "N"
// picks the candidate at index N, "#N" the candidate for pull request N.
// Tokens that match nothing are skipped, as are repeats; the order of the
// remaining tokens is kept.
func ParseSelection(input string, candidates []eligibility.Evaluated) []eligibility.Evaluated {
	var out []eligibility.Evaluated
	seen := make(map[int]bool)

	for _, tok := range strings.Split(input, ",") {
		tok = strings.TrimSpace(tok)
		idx := -1
		if num, ok := strings.CutPrefix(tok, "#"); ok {
			n, err := strconv.Atoi(num)
			if err != nil {
				continue
			}
			for i, c := range candidates {
				if c.PR.Number == n {
					idx = i
					break
				}
			}
		} else if n, err := strconv.Atoi(tok); err == nil && n >= 0 && n < len(candidates) {
			idx = n
		}
		if idx < 0 || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, candidates[idx])
	}
	return out
}
