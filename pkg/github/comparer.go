// Package github compares commits of the deployed repository.
package github

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v66/github"

	"github.com/zoff-tech/go-deploybot/pkg/config"
)

type Comparer struct {
	client *github.Client
	owner  string
	repo   string
}

func NewComparer(cfg config.GitHubSettings) (*Comparer, error) {
	client := github.NewClient(nil)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = base
	}
	return &Comparer{client: client, owner: cfg.Owner, repo: cfg.Repo}, nil
}

// CompareCommits returns GitHub's status of head relative to base: ahead, behind, identical or diverged.
func (c *Comparer) CompareCommits(ctx context.Context, base, head string) (string, error) {
	comparison, _, err := c.client.Repositories.CompareCommits(ctx, c.owner, c.repo, base, head, &github.ListOptions{PerPage: 1})
	if err != nil {
		return "", err
	}
	return comparison.GetStatus(), nil
}
