// internal/github/client.go
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github-activity-dashboard/internal/apperr"
	"github-activity-dashboard/internal/model"
)

const (
	// Maximum attempts per call; only transient upstream failures retry.
	maxRetries = 3
	// Backoff between transient-failure retries.
	retryBaseDelay = 500 * time.Millisecond
	// Rate-limit resets further away than this are surfaced to the caller
	// instead of waited out in-process.
	rateLimitWaitMax = 2 * time.Second

	perPage = 100
)

// Client is a wrapper around the go-github REST client and the githubv4
// GraphQL client, sharing one authenticated http.Client.
type Client struct {
	gh         *github.Client
	gql        *githubv4.Client
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
func NewClient(token string, logger *slog.Logger) *Client {
	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:         github.NewClient(tc),
		gql:        githubv4.NewClient(tc),
		httpClient: tc,
		logger:     logger,
	}
}

// UseEnterpriseEndpoints repoints both API clients at a GitHub Enterprise
// installation. baseURL serves the REST API under /api/v3; gqlURL is the full
// GraphQL endpoint URL.
func (c *Client) UseEnterpriseEndpoints(baseURL, gqlURL string) error {
	gh, err := c.gh.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return fmt.Errorf("failed to configure enterprise REST endpoint: %w", err)
	}
	c.gh = gh
	c.gql = githubv4.NewEnterpriseClient(gqlURL, c.httpClient)
	return nil
}

// contributionsQuery mirrors the contributionsCollection shape of the
// GraphQL schema. The Date scalar arrives as a "2006-01-02" string.
type contributionsQuery struct {
	User struct {
		ContributionsCollection struct {
			ContributionCalendar struct {
				TotalContributions int
				Weeks              []struct {
					ContributionDays []struct {
						Date              string
						ContributionCount int
					}
				}
			}
		} `graphql:"contributionsCollection(from: $from, to: $to)"`
	} `graphql:"user(login: $login)"`
}

// FetchContributionCalendar fetches the user's per-day contribution counts
// for the given window via the GraphQL API. Days are returned in calendar
// order, oldest first. A day with an unparseable date is logged and dropped
// rather than failing the whole calendar.
func (c *Client) FetchContributionCalendar(ctx context.Context, login string, since, until time.Time) ([]model.ContributionDay, error) {
	var q contributionsQuery
	vars := map[string]interface{}{
		"login": githubv4.String(login),
		"from":  githubv4.DateTime{Time: since},
		"to":    githubv4.DateTime{Time: until},
	}

	c.logger.Debug("Fetching contribution calendar", "login", login, "from", since, "to", until)
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return nil, translateGraphQLError(err)
	}

	var days []model.ContributionDay
	for _, week := range q.User.ContributionsCollection.ContributionCalendar.Weeks {
		for _, d := range week.ContributionDays {
			date, err := time.Parse("2006-01-02", d.Date)
			if err != nil {
				c.logger.Warn("Skipping contribution day with unparseable date", "login", login, "date", d.Date)
				continue
			}
			days = append(days, model.ContributionDay{
				Date:  date,
				Count: d.ContributionCount,
			})
		}
	}
	return days, nil
}

// ListRecentRepositories returns up to limit of the user's most recently
// pushed repositories. Archived repositories are skipped.
func (c *Client) ListRecentRepositories(ctx context.Context, login string, limit int) ([]model.RepoRef, error) {
	opts := &github.RepositoryListByUserOptions{
		Type: "owner",
		Sort: "pushed",
		ListOptions: github.ListOptions{
			PerPage: perPage,
		},
	}

	var refs []model.RepoRef
	err := c.withRetry(ctx, func() error {
		repos, _, err := c.gh.Repositories.ListByUser(ctx, login, opts)
		if err != nil {
			return err
		}
		refs = refs[:0]
		for _, r := range repos {
			if r.GetArchived() {
				continue
			}
			refs = append(refs, model.RepoRef{
				Owner: r.GetOwner().GetLogin(),
				Name:  r.GetName(),
			})
			if len(refs) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// FetchWorkflowRuns fetches all workflow runs for a repository created at or
// after since. It handles API pagination transparently; runs arrive newest
// first, so pagination stops once a page crosses the window boundary.
func (c *Client) FetchWorkflowRuns(ctx context.Context, owner, name string, since time.Time) ([]model.WorkflowRun, error) {
	var allRuns []model.WorkflowRun

	opts := &github.ListWorkflowRunsOptions{
		Created: fmt.Sprintf(">=%s", since.UTC().Format("2006-01-02")),
		ListOptions: github.ListOptions{
			PerPage: perPage,
		},
	}

	for {
		c.logger.Debug("Fetching workflow runs page", "owner", owner, "repo", name, "page", opts.Page)

		var (
			runs *github.WorkflowRuns
			resp *github.Response
		)
		err := c.withRetry(ctx, func() error {
			var innerErr error
			runs, resp, innerErr = c.gh.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, opts)
			return innerErr
		})
		if err != nil {
			return nil, err
		}

		crossedWindow := false
		for _, run := range runs.WorkflowRuns {
			if run.GetCreatedAt().Time.Before(since) {
				crossedWindow = true
				continue
			}
			allRuns = append(allRuns, toInternalWorkflowRun(owner, name, run))
		}

		if crossedWindow || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return allRuns, nil
}

// FetchSecurityAlerts fetches the repository's open Dependabot alerts.
func (c *Client) FetchSecurityAlerts(ctx context.Context, owner, name string) ([]model.SecurityAlert, error) {
	opts := &github.ListAlertsOptions{
		State: github.String("open"),
		ListCursorOptions: github.ListCursorOptions{
			PerPage: perPage,
		},
	}

	var alerts []model.SecurityAlert
	err := c.withRetry(ctx, func() error {
		raw, _, err := c.gh.Dependabot.ListRepoAlerts(ctx, owner, name, opts)
		if err != nil {
			return err
		}
		alerts = alerts[:0]
		for _, a := range raw {
			alerts = append(alerts, toInternalSecurityAlert(owner, name, a))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

// withRetry runs fn up to maxRetries times. Transient 5xx failures back off
// and retry; rate limits with a near reset are waited out, distant resets
// surface immediately. Everything else returns translated on first failure.
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = translateError(err)

		var rle *apperr.RateLimitError
		if errors.As(lastErr, &rle) {
			wait := time.Until(rle.ResetAt)
			if wait > rateLimitWaitMax {
				return lastErr
			}
			if wait < 0 {
				wait = 0
			}
			c.logger.Warn("Rate limited, waiting for reset", "wait", wait.String())
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if !apperr.IsUnavailable(lastErr) || attempt == maxRetries {
			return lastErr
		}

		delay := retryBaseDelay * time.Duration(attempt)
		c.logger.Warn("Transient upstream error, retrying", "attempt", attempt, "delay", delay.String(), "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// translateError maps go-github error types onto the application taxonomy.
// The original error stays in the chain where a wrapper type allows it.
func translateError(err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &apperr.RateLimitError{ResetAt: rateErr.Rate.Reset.Time}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &apperr.RateLimitError{ResetAt: time.Now().Add(abuseErr.GetRetryAfter())}
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		status := respErr.Response.StatusCode
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return &apperr.AuthError{Message: respErr.Message}
		case status >= 500:
			return &apperr.UnavailableError{Status: status, Err: err}
		}
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// Transport-level failure (DNS, refused connection, reset).
	return &apperr.UnavailableError{Err: err}
}

// translateGraphQLError classifies errors from the githubv4 client, which
// reports HTTP failures as plain formatted errors.
func translateGraphQLError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "401") || strings.Contains(msg, "Bad credentials") {
		return &apperr.AuthError{Message: msg}
	}
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "RATE_LIMITED") {
		return &apperr.RateLimitError{ResetAt: time.Now().Add(time.Hour)}
	}
	return &apperr.UnavailableError{Err: err}
}

// toInternalWorkflowRun translates a github.WorkflowRun object to our internal model.WorkflowRun.
func toInternalWorkflowRun(owner, name string, r *github.WorkflowRun) model.WorkflowRun {
	return model.WorkflowRun{
		ID:           r.GetID(),
		Repository:   fmt.Sprintf("%s/%s", owner, name),
		WorkflowID:   r.GetWorkflowID(),
		WorkflowName: r.GetName(),
		Status:       r.GetStatus(),
		Conclusion:   r.GetConclusion(),
		Branch:       r.GetHeadBranch(),
		HTMLURL:      r.GetHTMLURL(),
		CreatedAt:    r.GetCreatedAt().Time,
		UpdatedAt:    r.GetUpdatedAt().Time,
	}
}

// toInternalSecurityAlert translates a github.DependabotAlert object to our internal model.SecurityAlert.
func toInternalSecurityAlert(owner, name string, a *github.DependabotAlert) model.SecurityAlert {
	return model.SecurityAlert{
		Repository: fmt.Sprintf("%s/%s", owner, name),
		Number:     a.GetNumber(),
		Severity:   a.GetSecurityAdvisory().GetSeverity(),
		Summary:    a.GetSecurityAdvisory().GetSummary(),
		HTMLURL:    a.GetHTMLURL(),
		CreatedAt:  a.GetCreatedAt().Time,
	}
}
