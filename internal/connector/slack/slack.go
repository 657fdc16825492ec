// Package slack syncs channel activity. Cursors are per channel (the scope
// key is the channel id, the cursor a message timestamp). Each pass combines
// the durable cursor with a bounded lookback window to tolerate clock skew
// and backfill gaps, and fetches thread replies only for threads that are
// interesting: authored by the user, mentioning the user or one of the
// user's groups, or already on the watchlist.
package slack

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rockswe/justtodothings-sub000/internal/connector"
	"github.com/rockswe/justtodothings-sub000/internal/httpx"
	"github.com/rockswe/justtodothings-sub000/internal/item"
	"github.com/rockswe/justtodothings-sub000/internal/store"
)

const historyPageLimit = 200

type Connector struct {
	APIBase   string
	Lookback  time.Duration
	Watchlist Watchlist
	client    *httpx.Client
	now       func() time.Time
}

func New(apiBase string, lookback time.Duration, watchlist Watchlist, httpClient *http.Client) *Connector {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Connector{
		APIBase:   strings.TrimRight(apiBase, "/"),
		Lookback:  lookback,
		Watchlist: watchlist,
		client:    httpx.NewClient(httpClient),
		now:       time.Now,
	}
}

// SetNow overrides the clock (tests).
func (c *Connector) SetNow(now func() time.Time) { c.now = now }

func (c *Connector) Source() item.SourceType { return item.SourceSlack }

// identity is the per-pass metadata cache: resolved self id and group ids,
// scoped to a single Sync call and never shared across users.
type identity struct {
	selfID   string
	groupIDs []string
}

func (c *Connector) Sync(ctx context.Context, creds store.Credentials, marks map[string]string) (connector.Result, error) {
	ident, err := c.resolveIdentity(ctx, creds)
	if err != nil {
		return connector.Result{}, err
	}

	channels, err := c.listChannels(ctx, creds)
	if err != nil {
		return connector.Result{}, fmt.Errorf("list channels: %w", err)
	}

	result := connector.Result{Watermarks: map[string]string{}}
	now := c.now()

	for _, ch := range channels {
		latestSeen, items, err := c.syncChannel(ctx, creds, ident, ch, marks[ch.ID], now, &result.Report)
		if err != nil {
			// One channel failing must not abort the rest of the pass.
			log.Printf("slack: user %d channel %s: %v", creds.UserID, ch.ID, err)
			result.Report.Fail(ch.ID, "", err)
			continue
		}
		result.Items = append(result.Items, items...)
		if latestSeen != "" && latestSeen != marks[ch.ID] {
			result.Watermarks[ch.ID] = latestSeen
		}
	}
	return result, nil
}

type channelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type slackMessage struct {
	Type       string `json:"type"`
	User       string `json:"user"`
	Text       string `json:"text"`
	Ts         string `json:"ts"`
	ThreadTS   string `json:"thread_ts,omitempty"`
	ReplyCount int    `json:"reply_count,omitempty"`
}

func (c *Connector) syncChannel(ctx context.Context, creds store.Credentials, ident identity, ch channelInfo, cursor string, now time.Time, report *connector.Report) (string, []item.Envelope, error) {
	oldest := oldestBound(cursor, now, c.Lookback)
	latest := fmt.Sprintf("%d.000000", now.Unix())

	var items []item.Envelope
	var latestSeen string
	pageCursor := ""
	for {
		params := url.Values{}
		params.Set("channel", ch.ID)
		params.Set("oldest", oldest)
		params.Set("latest", latest)
		params.Set("limit", strconv.Itoa(historyPageLimit))
		if pageCursor != "" {
			params.Set("cursor", pageCursor)
		}

		var page struct {
			OK               bool           `json:"ok"`
			Error            string         `json:"error"`
			Messages         []slackMessage `json:"messages"`
			HasMore          bool           `json:"has_more"`
			ResponseMetadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := c.call(ctx, creds, "conversations.history", params, &page); err != nil {
			return "", nil, err
		}
		if !page.OK {
			if isAuthError(page.Error) {
				return "", nil, fmt.Errorf("conversations.history %s: %w", page.Error, connector.ErrAuth)
			}
			return "", nil, fmt.Errorf("conversations.history: %s", page.Error)
		}

		for _, msg := range page.Messages {
			if msg.Type != "message" || msg.Ts == "" {
				report.Skip(ch.ID, msg.Ts, "non-message entry")
				continue
			}
			env := c.buildEnvelope(ch, msg)
			if c.isInteresting(ctx, creds.UserID, ident, msg) {
				c.attachReplies(ctx, creds, ch, msg, &env, report)
				if c.Watchlist != nil && msg.ReplyCount > 0 {
					if err := c.Watchlist.Touch(ctx, creds.UserID, ch.ID, threadKey(msg), now); err != nil {
						log.Printf("slack: watchlist touch %s: %v", threadKey(msg), err)
					}
				}
			}
			items = append(items, env)
			report.Process(1)
			if msg.Ts > latestSeen {
				latestSeen = msg.Ts
			}
		}

		if !page.HasMore || page.ResponseMetadata.NextCursor == "" {
			break
		}
		pageCursor = page.ResponseMetadata.NextCursor
	}
	return latestSeen, items, nil
}

// oldestBound widens the fetch window past the durable cursor by the
// lookback: oldest = min(cursor, now - lookback).
func oldestBound(cursor string, now time.Time, lookback time.Duration) string {
	floor := fmt.Sprintf("%d.000000", now.Add(-lookback).Unix())
	if cursor == "" || cursor > floor {
		return floor
	}
	return cursor
}

func (c *Connector) buildEnvelope(ch channelInfo, msg slackMessage) item.Envelope {
	return item.Envelope{
		Source:        item.SourceSlack,
		ExternalID:    ch.ID + ":" + msg.Ts,
		FetchedAt:     time.Now().UTC(),
		ParentContext: ch.ID,
		Chat: &item.ChatPayload{
			ChannelID:   ch.ID,
			ChannelName: ch.Name,
			UserID:      msg.User,
			Text:        msg.Text,
			Ts:          msg.Ts,
			ThreadTS:    msg.ThreadTS,
		},
	}
}

func (c *Connector) isInteresting(ctx context.Context, userID int64, ident identity, msg slackMessage) bool {
	if ident.selfID != "" && msg.User == ident.selfID {
		return true
	}
	if ident.selfID != "" && strings.Contains(msg.Text, "<@"+ident.selfID+">") {
		return true
	}
	for _, group := range ident.groupIDs {
		if strings.Contains(msg.Text, "<!subteam^"+group) {
			return true
		}
	}
	if c.Watchlist != nil {
		onList, err := c.Watchlist.Contains(ctx, userID, threadKey(msg))
		if err != nil {
			log.Printf("slack: watchlist lookup %s: %v", threadKey(msg), err)
			return false
		}
		return onList
	}
	return false
}

func threadKey(msg slackMessage) string {
	if msg.ThreadTS != "" {
		return msg.ThreadTS
	}
	return msg.Ts
}

// attachReplies is best-effort: a failed replies fetch degrades the envelope
// to the parent message alone.
func (c *Connector) attachReplies(ctx context.Context, creds store.Credentials, ch channelInfo, msg slackMessage, env *item.Envelope, report *connector.Report) {
	if msg.ReplyCount == 0 {
		return
	}
	params := url.Values{}
	params.Set("channel", ch.ID)
	params.Set("ts", threadKey(msg))
	params.Set("limit", strconv.Itoa(historyPageLimit))

	var resp struct {
		OK       bool           `json:"ok"`
		Error    string         `json:"error"`
		Messages []slackMessage `json:"messages"`
	}
	if err := c.call(ctx, creds, "conversations.replies", params, &resp); err != nil || !resp.OK {
		log.Printf("slack: replies for %s/%s unavailable: err=%v apiErr=%s", ch.ID, msg.Ts, err, resp.Error)
		report.Fail(ch.ID, msg.Ts, fmt.Errorf("fetch replies: %s", resp.Error))
		return
	}
	for _, reply := range resp.Messages {
		if reply.Ts == msg.Ts {
			continue
		}
		env.Chat.Replies = append(env.Chat.Replies, item.ChatReply{User: reply.User, Text: reply.Text, Ts: reply.Ts})
	}
}

func (c *Connector) resolveIdentity(ctx context.Context, creds store.Credentials) (identity, error) {
	var resp struct {
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
		UserID string `json:"user_id"`
	}
	if err := c.call(ctx, creds, "auth.test", url.Values{}, &resp); err != nil {
		return identity{}, fmt.Errorf("auth.test: %w", err)
	}
	if !resp.OK {
		if isAuthError(resp.Error) {
			return identity{}, fmt.Errorf("auth.test %s: %w", resp.Error, connector.ErrAuth)
		}
		return identity{}, fmt.Errorf("auth.test: %s", resp.Error)
	}

	ident := identity{selfID: resp.UserID}
	if groups := creds.Settings["group_ids"]; groups != "" {
		for _, g := range strings.Split(groups, ",") {
			if g = strings.TrimSpace(g); g != "" {
				ident.groupIDs = append(ident.groupIDs, g)
			}
		}
	}
	return ident, nil
}

func (c *Connector) listChannels(ctx context.Context, creds store.Credentials) ([]channelInfo, error) {
	params := url.Values{}
	params.Set("types", "public_channel,private_channel")
	params.Set("exclude_archived", "true")
	params.Set("limit", strconv.Itoa(historyPageLimit))

	var channels []channelInfo
	pageCursor := ""
	for {
		if pageCursor != "" {
			params.Set("cursor", pageCursor)
		}
		var resp struct {
			OK               bool `json:"ok"`
			Error            string
			Channels         []struct {
				channelInfo
				IsMember bool `json:"is_member"`
			} `json:"channels"`
			ResponseMetadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := c.call(ctx, creds, "conversations.list", params, &resp); err != nil {
			return nil, err
		}
		if !resp.OK {
			if isAuthError(resp.Error) {
				return nil, fmt.Errorf("conversations.list %s: %w", resp.Error, connector.ErrAuth)
			}
			return nil, fmt.Errorf("conversations.list: %s", resp.Error)
		}
		for _, ch := range resp.Channels {
			if ch.IsMember {
				channels = append(channels, ch.channelInfo)
			}
		}
		if resp.ResponseMetadata.NextCursor == "" {
			break
		}
		pageCursor = resp.ResponseMetadata.NextCursor
	}
	return channels, nil
}

func (c *Connector) call(ctx context.Context, creds store.Credentials, method string, params url.Values, out any) error {
	endpoint := c.APIBase + "/" + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.AccessToken)
	_, err := c.client.DoJSON(ctx, http.MethodGet, endpoint, header, nil, out)
	return err
}

func isAuthError(apiError string) bool {
	switch apiError {
	case "invalid_auth", "token_revoked", "token_expired", "account_inactive", "not_authed":
		return true
	}
	return false
}
