/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package forge talks to GitHub on behalf of the pull request tester. It
// lists open pull requests with their comments as eligibility snapshots,
// posts comments and resolves the identity of the token.
package forge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PilzDE/pilz-github-ci-runner/reconcilers/prtester/eligibility"
	"github.com/PilzDE/pilz-github-ci-runner/reconcilers/prtester/internal/retry"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

const (
	pullRequestsPerPage = 50
	commentsPerPage     = 100
)

// Client is a GitHub client scoped to one repository.
type Client struct {
	owner, name string

	rest    *github.Client
	gql     *githubv4.Client
	backoff retry.Backoff
	baseURL string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a GitHub Enterprise server, or a fake.
// REST calls go to <base>/api/v3/ and GraphQL queries to <base>/api/graphql.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(base, "/")
	}
}

// WithBackoff sets the retry policy for posting comments.
func WithBackoff(b retry.Backoff) Option {
	return func(c *Client) {
		c.backoff = b
	}
}

// New returns a client for repo, given as owner/name.
func New(ctx context.Context, repo string, ts oauth2.TokenSource, opts ...Option) (*Client, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("repository %q is not of the form owner/name", repo)
	}
	if ts == nil {
		return nil, errors.New("token source cannot be nil")
	}

	c := &Client{owner: owner, name: name, backoff: retry.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.backoff.Validate(); err != nil {
		return nil, err
	}

	hc := oauth2.NewClient(ctx, ts)
	c.rest = github.NewClient(hc)
	if c.baseURL == "" {
		c.gql = githubv4.NewClient(hc)
		return c, nil
	}

	u, err := url.Parse(c.baseURL + "/api/v3/")
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	c.rest.BaseURL = u
	c.rest.UploadURL = u
	c.gql = githubv4.NewEnterpriseClient(c.baseURL+"/api/graphql", hc)
	return c, nil
}

// Repo returns the repository full name.
func (c *Client) Repo() string {
	return c.owner + "/" + c.name
}

// Login returns the login of the account the token belongs to.
func (c *Client) Login(ctx context.Context) (string, error) {
	u, _, err := c.rest.Users.Get(ctx, "")
	if err != nil {
		return "", classify(fmt.Errorf("getting authenticated user: %w", err))
	}
	return u.GetLogin(), nil
}

// CreateComment posts body on pull request number. Only failures to connect
// are retried: once the request may have reached GitHub, a retry could post
// the comment twice.
func (c *Client) CreateComment(ctx context.Context, number int, body string) error {
	log := clog.FromContext(ctx).With("pr", number)

	_, err := retry.Do(ctx, c.backoff, "create comment", func(err error) bool {
		return notSent(err)
	}, func() (*github.IssueComment, error) {
		comment, _, err := c.rest.Issues.CreateComment(ctx, c.owner, c.name, number, &github.IssueComment{
			Body: github.Ptr(body),
		})
		return comment, err
	})
	if err != nil {
		return classify(fmt.Errorf("commenting on #%d: %w", number, err))
	}
	log.Debugf("Posted comment of %d bytes", len(body))
	return nil
}

type gqlComment struct {
	Author *struct {
		Login string
	}
	Body      string
	CreatedAt githubv4.DateTime
}

type gqlRepositoryRef struct {
	NameWithOwner string
}

type gqlPullRequest struct {
	Number         int
	Title          string
	Body           string
	State          githubv4.PullRequestState
	HeadRefOid     string
	BaseRepository *gqlRepositoryRef
	HeadRepository *gqlRepositoryRef
	Comments       struct {
		TotalCount int
		Nodes      []gqlComment
	} `graphql:"comments(first: 100)"`
}

type listQuery struct {
	Repository struct {
		PullRequests struct {
			Nodes    []gqlPullRequest
			PageInfo struct {
				HasNextPage bool
				EndCursor   string
			}
		} `graphql:"pullRequests(states: [OPEN], first: $first, after: $cursor, orderBy: {field: CREATED_AT, direction: ASC})"`
	} `graphql:"repository(owner: $owner, name: $repo)"`
}

// ListOpenPullRequests returns a snapshot of every open pull request with
// all of its comments in chronological order.
func (c *Client) ListOpenPullRequests(ctx context.Context) ([]*eligibility.PullRequest, error) {
	log := clog.FromContext(ctx)

	variables := map[string]any{
		"owner":  githubv4.String(c.owner),
		"repo":   githubv4.String(c.name),
		"first":  githubv4.Int(pullRequestsPerPage),
		"cursor": (*githubv4.String)(nil),
	}

	var prs []*eligibility.PullRequest
	for {
		var query listQuery
		if err := c.gql.Query(ctx, &query, variables); err != nil {
			return nil, classify(fmt.Errorf("querying pull requests: %w", err))
		}
		for _, node := range query.Repository.PullRequests.Nodes {
			pr := node.snapshot()
			if node.Comments.TotalCount > len(node.Comments.Nodes) {
				log.Debugf("PR #%d has %d comments, listing them over REST", node.Number, node.Comments.TotalCount)
				comments, err := c.listComments(ctx, node.Number)
				if err != nil {
					return nil, err
				}
				pr.Comments = comments
			}
			prs = append(prs, pr)
		}

		page := query.Repository.PullRequests.PageInfo
		if !page.HasNextPage {
			break
		}
		variables["cursor"] = githubv4.NewString(githubv4.String(page.EndCursor))
	}

	log.Debugf("Found %d open pull requests in %s", len(prs), c.Repo())
	return prs, nil
}

func (n gqlPullRequest) snapshot() *eligibility.PullRequest {
	pr := &eligibility.PullRequest{
		Number:  n.Number,
		Title:   n.Title,
		Body:    n.Body,
		State:   strings.ToLower(string(n.State)),
		HeadSHA: n.HeadRefOid,
	}
	if n.BaseRepository != nil {
		pr.BaseRepo = n.BaseRepository.NameWithOwner
	}
	// A deleted fork leaves no head repository; it stays external.
	if n.HeadRepository != nil {
		pr.HeadRepo = n.HeadRepository.NameWithOwner
	}
	pr.Comments = make([]eligibility.Comment, 0, len(n.Comments.Nodes))
	for _, cm := range n.Comments.Nodes {
		var author string
		if cm.Author != nil {
			author = cm.Author.Login
		}
		pr.Comments = append(pr.Comments, eligibility.Comment{
			Author:    author,
			Body:      cm.Body,
			CreatedAt: cm.CreatedAt.Time,
		})
	}
	return pr
}

func (c *Client) listComments(ctx context.Context, number int) ([]eligibility.Comment, error) {
	opts := &github.IssueListCommentsOptions{
		Sort:        github.Ptr("created"),
		Direction:   github.Ptr("asc"),
		ListOptions: github.ListOptions{PerPage: commentsPerPage},
	}

	var out []eligibility.Comment
	for {
		comments, resp, err := c.rest.Issues.ListComments(ctx, c.owner, c.name, number, opts)
		if err != nil {
			return nil, classify(fmt.Errorf("listing comments of #%d: %w", number, err))
		}
		for _, cm := range comments {
			var created time.Time
			if cm.CreatedAt != nil {
				created = cm.CreatedAt.Time
			}
			out = append(out, eligibility.Comment{
				Author:    cm.GetUser().GetLogin(),
				Body:      cm.GetBody(),
				CreatedAt: created,
			})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}
