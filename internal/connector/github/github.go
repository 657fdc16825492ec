// Package github syncs repository events. The cursor is tracked per
// repository (the scope key is the full name) and packs two values,
// "<etag>|<last event id>": the ETag drives a conditional listing that
// short-circuits on 304, the event id bounds the newest-first scan to the
// unseen tail. Detail fetches (commit contents, issue and PR bodies) happen
// lazily for the event types that matter and are best-effort.
package github

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rockswe/justtodothings-sub000/internal/connector"
	"github.com/rockswe/justtodothings-sub000/internal/httpx"
	"github.com/rockswe/justtodothings-sub000/internal/item"
	"github.com/rockswe/justtodothings-sub000/internal/store"
)

const (
	eventsPerPage = 100
	maxEventPages = 3
	maxRepos      = 50
)

type Connector struct {
	APIBase string
	client  *httpx.Client
}

func New(apiBase string, httpClient *http.Client) *Connector {
	return &Connector{
		APIBase: strings.TrimRight(apiBase, "/"),
		client:  httpx.NewClient(httpClient),
	}
}

func (c *Connector) Source() item.SourceType { return item.SourceGitHub }

func (c *Connector) Sync(ctx context.Context, creds store.Credentials, marks map[string]string) (connector.Result, error) {
	repos, err := c.listRepos(ctx, creds)
	if err != nil {
		return connector.Result{}, err
	}

	result := connector.Result{Watermarks: map[string]string{}}
	for _, repo := range repos {
		cursor, items, err := c.syncRepo(ctx, creds, repo, marks[repo], &result.Report)
		if err != nil {
			if errors.Is(err, connector.ErrAuth) {
				return connector.Result{}, err
			}
			// One repo failing must not abort the rest of the pass.
			log.Printf("github: user %d repo %s: %v", creds.UserID, repo, err)
			result.Report.Fail(repo, "", err)
			continue
		}
		result.Items = append(result.Items, items...)
		if cursor != "" && cursor != marks[repo] {
			result.Watermarks[repo] = cursor
		}
	}
	return result, nil
}

// listRepos honors an explicit repo list in the account settings and falls
// back to the repos the token can see.
func (c *Connector) listRepos(ctx context.Context, creds store.Credentials) ([]string, error) {
	if configured := creds.Settings["repos"]; configured != "" {
		var repos []string
		for _, r := range strings.Split(configured, ",") {
			if r = strings.TrimSpace(r); r != "" {
				repos = append(repos, r)
			}
		}
		return repos, nil
	}

	var repos []string
	page := 1
	for len(repos) < maxRepos {
		var list []struct {
			FullName string `json:"full_name"`
		}
		url := fmt.Sprintf("%s/user/repos?affiliation=owner,collaborator&sort=pushed&per_page=%d&page=%d",
			c.APIBase, eventsPerPage, page)
		if _, err := c.client.DoJSON(ctx, http.MethodGet, url, c.header(creds, ""), nil, &list); err != nil {
			if isUnauthorized(err) {
				return nil, fmt.Errorf("list repos: %w", connector.ErrAuth)
			}
			return nil, fmt.Errorf("list repos: %w", err)
		}
		for _, r := range list {
			repos = append(repos, r.FullName)
		}
		if len(list) < eventsPerPage {
			break
		}
		page++
	}
	if len(repos) > maxRepos {
		repos = repos[:maxRepos]
	}
	return repos, nil
}

type rawEvent struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Actor struct {
		Login string `json:"login"`
	} `json:"actor"`
	Payload struct {
		Ref     string `json:"ref"`
		Action  string `json:"action"`
		Commits []struct {
			SHA     string `json:"sha"`
			Message string `json:"message"`
			Author  struct {
				Name string `json:"name"`
			} `json:"author"`
		} `json:"commits"`
		Issue *struct {
			Number int    `json:"number"`
			Title  string `json:"title"`
			State  string `json:"state"`
		} `json:"issue"`
		PullRequest *struct {
			Number int    `json:"number"`
			Title  string `json:"title"`
			State  string `json:"state"`
		} `json:"pull_request"`
	} `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Connector) syncRepo(ctx context.Context, creds store.Credentials, repo, cursor string, report *connector.Report) (string, []item.Envelope, error) {
	prevETag, lastSeenID := splitCursor(cursor)

	var fresh []rawEvent
	newETag := prevETag
	// The walk is complete when it reached the previously seen id or the end
	// of the feed. A first pass has no seen id, so its bounded backfill always
	// counts as complete.
	complete := lastSeenID == ""
	degraded := false
scan:
	for page := 1; page <= maxEventPages; page++ {
		url := fmt.Sprintf("%s/repos/%s/events?per_page=%d&page=%d", c.APIBase, repo, eventsPerPage, page)
		etag := ""
		if page == 1 {
			etag = prevETag
		}

		var events []rawEvent
		resp, err := c.client.DoJSON(ctx, http.MethodGet, url, c.header(creds, etag), nil, &events)
		if err != nil {
			if isUnauthorized(err) {
				return "", nil, fmt.Errorf("list events %s: %w", repo, connector.ErrAuth)
			}
			if isDegradable(err) {
				// Rate-limited or blocked by SSO policy. Keep what we have.
				log.Printf("github: user %d repo %s degraded: %v", creds.UserID, repo, err)
				report.Skip(repo, "", "rate limited or sso restricted")
				degraded = true
				break
			}
			return "", nil, fmt.Errorf("list events %s: %w", repo, err)
		}
		if resp.StatusCode == http.StatusNotModified {
			// Nothing changed since the last pass; the old cursor stands.
			return cursor, nil, nil
		}
		if page == 1 {
			if tag := resp.Header.Get("ETag"); tag != "" {
				newETag = tag
			}
		}

		for _, ev := range events {
			if lastSeenID != "" && ev.ID == lastSeenID {
				complete = true
				break scan
			}
			fresh = append(fresh, ev)
		}
		if len(events) < eventsPerPage {
			complete = true
			break
		}
	}

	var items []item.Envelope
	newLastID := lastSeenID
	for _, ev := range fresh {
		if newLastID == lastSeenID || compareEventIDs(ev.ID, newLastID) > 0 {
			newLastID = ev.ID
		}
		env, ok := c.buildEnvelope(ctx, creds, repo, ev)
		if !ok {
			report.Skip(repo, ev.ID, "uninteresting event type "+ev.Type)
			continue
		}
		items = append(items, env)
		report.Process(1)
	}

	if !complete {
		// The walk never reached the previously seen id, either because the
		// listing degraded mid-walk or because the page cap ran out first.
		// Emit what was gathered but keep the old cursor so the gap is
		// re-fetched next pass; the idempotent upsert absorbs the overlap.
		if !degraded {
			report.Skip(repo, "", "event scan truncated before the last seen id")
		}
		return cursor, items, nil
	}
	return joinCursor(newETag, newLastID), items, nil
}

// buildEnvelope keeps only the event types that can carry work for the user
// and enriches them lazily. A failed detail fetch degrades the envelope, it
// never fails the event.
func (c *Connector) buildEnvelope(ctx context.Context, creds store.Credentials, repo string, ev rawEvent) (item.Envelope, bool) {
	payload := &item.RepoPayload{
		RepoFullName: repo,
		EventID:      ev.ID,
		EventType:    ev.Type,
		Actor:        ev.Actor.Login,
		Ref:          ev.Payload.Ref,
		CreatedAt:    ev.CreatedAt,
	}

	switch ev.Type {
	case "PushEvent":
		for _, commit := range ev.Payload.Commits {
			detail := item.CommitDetail{SHA: commit.SHA, Message: commit.Message, Author: commit.Author.Name}
			if full, err := c.fetchCommit(ctx, creds, repo, commit.SHA); err != nil {
				log.Printf("github: commit %s/%s detail unavailable: %v", repo, commit.SHA, err)
			} else {
				detail = full
			}
			payload.Commits = append(payload.Commits, detail)
		}
	case "IssuesEvent", "IssueCommentEvent":
		if ev.Payload.Issue == nil {
			return item.Envelope{}, false
		}
		detail := item.IssueDetail{Number: ev.Payload.Issue.Number, Title: ev.Payload.Issue.Title, State: ev.Payload.Issue.State}
		if body, err := c.fetchIssueBody(ctx, creds, repo, "issues", detail.Number); err != nil {
			log.Printf("github: issue %s#%d detail unavailable: %v", repo, detail.Number, err)
		} else {
			detail.Body = body
		}
		payload.Issue = &detail
	case "PullRequestEvent", "PullRequestReviewEvent":
		if ev.Payload.PullRequest == nil {
			return item.Envelope{}, false
		}
		detail := item.IssueDetail{Number: ev.Payload.PullRequest.Number, Title: ev.Payload.PullRequest.Title, State: ev.Payload.PullRequest.State}
		if body, err := c.fetchIssueBody(ctx, creds, repo, "pulls", detail.Number); err != nil {
			log.Printf("github: pull %s#%d detail unavailable: %v", repo, detail.Number, err)
		} else {
			detail.Body = body
		}
		payload.PullRequest = &detail
	default:
		return item.Envelope{}, false
	}

	return item.Envelope{
		Source:        item.SourceGitHub,
		ExternalID:    ev.ID,
		FetchedAt:     time.Now().UTC(),
		ParentContext: repo,
		Repo:          payload,
	}, true
}

func (c *Connector) fetchCommit(ctx context.Context, creds store.Credentials, repo, sha string) (item.CommitDetail, error) {
	var resp struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name string `json:"name"`
			} `json:"author"`
		} `json:"commit"`
	}
	url := fmt.Sprintf("%s/repos/%s/commits/%s", c.APIBase, repo, sha)
	if _, err := c.client.DoJSON(ctx, http.MethodGet, url, c.header(creds, ""), nil, &resp); err != nil {
		return item.CommitDetail{}, err
	}
	return item.CommitDetail{SHA: resp.SHA, Message: resp.Commit.Message, Author: resp.Commit.Author.Name}, nil
}

func (c *Connector) fetchIssueBody(ctx context.Context, creds store.Credentials, repo, kind string, number int) (string, error) {
	var resp struct {
		Body string `json:"body"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s/%d", c.APIBase, repo, kind, number)
	if _, err := c.client.DoJSON(ctx, http.MethodGet, url, c.header(creds, ""), nil, &resp); err != nil {
		return "", err
	}
	return resp.Body, nil
}

func (c *Connector) header(creds store.Credentials, etag string) http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.AccessToken)
	header.Set("Accept", "application/vnd.github+json")
	if etag != "" {
		header.Set("If-None-Match", etag)
	}
	return header
}

func splitCursor(cursor string) (etag, lastEventID string) {
	if cursor == "" {
		return "", ""
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", parts[0]
}

func joinCursor(etag, lastEventID string) string {
	if etag == "" && lastEventID == "" {
		return ""
	}
	return etag + "|" + lastEventID
}

// compareEventIDs treats event ids as numbers when both parse, otherwise
// falls back to string order.
func compareEventIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func isUnauthorized(err error) bool {
	return httpx.IsStatus(err, http.StatusUnauthorized)
}

// isDegradable reports whether a 403 is a rate limit or an SSO restriction,
// both of which mean "come back later" rather than "the token is dead".
func isDegradable(err error) bool {
	var statusErr *httpx.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		return false
	}
	if statusErr.Header.Get("X-RateLimit-Remaining") == "0" {
		return true
	}
	if strings.Contains(statusErr.Header.Get("X-GitHub-SSO"), "required") {
		return true
	}
	return strings.Contains(statusErr.Body, "rate limit")
}
