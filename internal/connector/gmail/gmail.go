// Package gmail syncs mail through the Gmail history API. The whole-account
// cursor is a history id: first contact does a bounded backfill of recent
// messages and captures the mailbox's current history id from a separate
// profile call (list/get responses don't reliably carry it); later passes
// walk the change log exclusively from the stored id.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/rockswe/justtodothings-sub000/internal/connector"
	"github.com/rockswe/justtodothings-sub000/internal/item"
	"github.com/rockswe/justtodothings-sub000/internal/store"
)

type Connector struct {
	// OAuth is nil in tests; then HTTPClient talks to Endpoint unauthenticated.
	OAuth      *oauth2.Config
	HTTPClient *http.Client
	Endpoint   string
	Backfill   int
}

func New(oauthCfg *oauth2.Config, endpoint string, backfill int) *Connector {
	if backfill <= 0 {
		backfill = 20
	}
	return &Connector{OAuth: oauthCfg, Endpoint: endpoint, Backfill: backfill}
}

func (c *Connector) Source() item.SourceType { return item.SourceGmail }

func (c *Connector) Sync(ctx context.Context, creds store.Credentials, marks map[string]string) (connector.Result, error) {
	srv, tokenSnapshot, err := c.service(ctx, creds)
	if err != nil {
		return connector.Result{}, fmt.Errorf("build gmail service: %w", err)
	}

	result := connector.Result{Watermarks: map[string]string{}}
	cursor := marks[""]

	var syncErr error
	if cursor == "" {
		syncErr = c.backfill(ctx, srv, &result)
	} else {
		syncErr = c.walkHistory(ctx, srv, cursor, &result)
	}

	// Rotated tokens are an explicit return value, never a silent side
	// effect. A 401 mid-walk additionally forces a write-back attempt even
	// when no rotation was observed.
	if refreshed := tokenSnapshot(creds); refreshed != nil {
		result.RefreshedCreds = refreshed
	}
	if syncErr != nil {
		if isUnauthorized(syncErr) {
			if result.RefreshedCreds == nil {
				current := creds
				result.RefreshedCreds = &current
			}
			return result, fmt.Errorf("gmail history walk: %w", connector.ErrAuth)
		}
		return result, syncErr
	}
	return result, nil
}

// backfill fetches the most recent messages and stores the account's current
// change-sequence number as the initial cursor.
func (c *Connector) backfill(ctx context.Context, srv *gmailapi.Service, result *connector.Result) error {
	list, err := srv.Users.Messages.List("me").MaxResults(int64(c.Backfill)).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("list recent messages: %w", err)
	}
	for _, ref := range list.Messages {
		env, err := c.fetchMessage(ctx, srv, ref.Id)
		if err != nil {
			if isUnauthorized(err) {
				return err
			}
			log.Printf("gmail: skip message %s: %v", ref.Id, err)
			result.Report.Fail("", ref.Id, err)
			continue
		}
		result.Items = append(result.Items, env)
		result.Report.Process(1)
	}

	// The history id comes from a profile call: list/get responses don't
	// reliably carry the current change-sequence number.
	profile, err := srv.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get profile for history id: %w", err)
	}
	if profile.HistoryId > 0 {
		result.Watermarks[""] = strconv.FormatUint(profile.HistoryId, 10)
	}
	return nil
}

// walkHistory pages the change log exclusively from cursor, collecting only
// "message added" entries. The new cursor is the latest history id the
// server reports.
func (c *Connector) walkHistory(ctx context.Context, srv *gmailapi.Service, cursor string, result *connector.Result) error {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return fmt.Errorf("parse history cursor %q: %w", cursor, err)
	}

	var latest uint64
	pageToken := ""
	for {
		call := srv.Users.History.List("me").StartHistoryId(start).HistoryTypes("messageAdded").Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return fmt.Errorf("list history from %d: %w", start, err)
		}
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil {
					continue
				}
				env, err := c.fetchMessage(ctx, srv, added.Message.Id)
				if err != nil {
					if isUnauthorized(err) {
						return err
					}
					log.Printf("gmail: skip message %s: %v", added.Message.Id, err)
					result.Report.Fail("", added.Message.Id, err)
					continue
				}
				result.Items = append(result.Items, env)
				result.Report.Process(1)
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if latest > start {
		result.Watermarks[""] = strconv.FormatUint(latest, 10)
	}
	return nil
}

func (c *Connector) fetchMessage(ctx context.Context, srv *gmailapi.Service, id string) (item.Envelope, error) {
	msg, err := srv.Users.Messages.Get("me", id).Format("metadata").MetadataHeaders("Subject", "From").Context(ctx).Do()
	if err != nil {
		return item.Envelope{}, fmt.Errorf("get message %s: %w", id, err)
	}

	payload := &item.MailPayload{
		MessageID: msg.Id,
		ThreadID:  msg.ThreadId,
		Snippet:   msg.Snippet,
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "Subject":
				payload.Subject = h.Value
			case "From":
				payload.From = h.Value
			}
		}
	}
	if msg.InternalDate > 0 {
		payload.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}

	return item.Envelope{
		Source:        item.SourceGmail,
		ExternalID:    msg.Id,
		FetchedAt:     time.Now().UTC(),
		ParentContext: msg.ThreadId,
		Mail:          payload,
	}, nil
}

// service builds the API client. The returned snapshot func reports rotated
// credentials by comparing the live token against what the pass started with.
func (c *Connector) service(ctx context.Context, creds store.Credentials) (*gmailapi.Service, func(store.Credentials) *store.Credentials, error) {
	if c.OAuth == nil {
		httpClient := c.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: 30 * time.Second}
		}
		opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
		if c.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(c.Endpoint))
		}
		srv, err := gmailapi.NewService(ctx, opts...)
		return srv, func(store.Credentials) *store.Credentials { return nil }, err
	}

	token := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
	}
	if creds.TokenExpiry != nil {
		token.Expiry = *creds.TokenExpiry
	}
	source := c.OAuth.TokenSource(ctx, token)

	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, source))}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	srv, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}

	snapshot := func(orig store.Credentials) *store.Credentials {
		current, tokenErr := source.Token()
		if tokenErr != nil || current.AccessToken == orig.AccessToken {
			return nil
		}
		refreshed := orig
		refreshed.AccessToken = current.AccessToken
		if current.RefreshToken != "" {
			refreshed.RefreshToken = current.RefreshToken
		}
		expiry := current.Expiry
		refreshed.TokenExpiry = &expiry
		return &refreshed
	}
	return srv, snapshot, nil
}

func isUnauthorized(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusUnauthorized
	}
	return strings.Contains(err.Error(), "401")
}
