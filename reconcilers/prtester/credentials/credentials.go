/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package credentials finds the GitHub token the tester runs with.
package credentials

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"golang.org/x/term"
)

// EnvVar overrides every other source when set.
const EnvVar = "GITHUB_TOKEN"

// ErrNotFound is returned by Store.Get when no token has been stored.
var ErrNotFound = errors.New("no token stored")

// Store persists a single token.
type Store interface {
	Get() (string, error)
	Set(token string) error
}

// FileStore keeps the token in a file readable only by its owner.
type FileStore struct {
	Path string
}

var _ Store = (*FileStore)(nil)

// DefaultFileStore stores the token under the user's config directory.
func DefaultFileStore() (*FileStore, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("locating config directory: %w", err)
	}
	return &FileStore{Path: filepath.Join(dir, "hwtester", "token")}, nil
}

// Get implements Store.
func (s *FileStore) Get() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNotFound
	}
	return token, nil
}

// Set implements Store.
func (s *FileStore) Set(token string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(s.Path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing token: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(s.Path, 0o600); err != nil {
		return fmt.Errorf("restricting token file: %w", err)
	}
	return nil
}

// PromptFunc asks the operator for a token.
type PromptFunc func() (string, error)

// Prompt returns a PromptFunc that writes its question to w and reads the
// answer from the terminal fd without echo. When fd is not a terminal the
// answer is read as a plain line from in.
func Prompt(w io.Writer, in io.Reader, fd int) PromptFunc {
	return func() (string, error) {
		fmt.Fprint(w, "GitHub token: ")
		defer fmt.Fprintln(w)

		var token string
		if term.IsTerminal(fd) {
			b, err := term.ReadPassword(fd)
			if err != nil {
				return "", fmt.Errorf("reading token: %w", err)
			}
			token = string(b)
		} else {
			line, err := bufio.NewReader(in).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("reading token: %w", err)
			}
			token = line
		}

		token = strings.TrimSpace(token)
		if token == "" {
			return "", errors.New("empty token")
		}
		return token, nil
	}
}

// Resolve returns the token to use. GITHUB_TOKEN wins; with noStore the
// operator is always prompted and nothing is persisted; otherwise the stored
// token is used, and a prompted one is stored for next time.
func Resolve(ctx context.Context, store Store, prompt PromptFunc, noStore bool) (string, error) {
	log := clog.FromContext(ctx)

	if token := strings.TrimSpace(os.Getenv(EnvVar)); token != "" {
		log.Debugf("Using token from %s", EnvVar)
		return token, nil
	}
	if noStore {
		return prompt()
	}

	token, err := store.Get()
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, ErrNotFound):
		log.Info("No stored token found")
	default:
		log.Warnf("Could not read the stored token: %v", err)
	}

	token, err = prompt()
	if err != nil {
		return "", err
	}
	if err := store.Set(token); err != nil {
		log.Warnf("Could not store the token: %v", err)
	}
	return token, nil
}
