// Package item defines the normalized envelope every connector emits and the
// canonical identity rules applied before tasks are materialized.
package item

import (
	"fmt"
	"strings"
	"time"
)

type SourceType string

const (
	SourceGmail  SourceType = "gmail"
	SourceSlack  SourceType = "slack"
	SourceGitHub SourceType = "github"
	SourceCanvas SourceType = "canvas"
)

// Envelope is the common wrapper around one normalized upstream item.
// Exactly one payload pointer is set, matching Source. Envelopes are written
// to the archive as-is and may be written again on a later poll; the archive
// is last-write-wins and is not the dedup authority.
type Envelope struct {
	Source        SourceType `json:"source_type"`
	ExternalID    string     `json:"external_id"`
	CanonicalID   string     `json:"canonical_id,omitempty"`
	FetchedAt     time.Time  `json:"fetched_at"`
	ParentContext string     `json:"parent_context,omitempty"`

	Mail   *MailPayload   `json:"mail,omitempty"`
	Chat   *ChatPayload   `json:"chat,omitempty"`
	Repo   *RepoPayload   `json:"repo,omitempty"`
	Course *CoursePayload `json:"course,omitempty"`
}

type MailPayload struct {
	MessageID    string    `json:"message_id"`
	ThreadID     string    `json:"thread_id,omitempty"`
	Subject      string    `json:"subject"`
	From         string    `json:"from"`
	Snippet      string    `json:"snippet,omitempty"`
	InternalDate time.Time `json:"internal_date,omitempty"`
}

type ChatReply struct {
	User string `json:"user"`
	Text string `json:"text"`
	Ts   string `json:"ts"`
}

type ChatPayload struct {
	ChannelID   string      `json:"channel_id"`
	ChannelName string      `json:"channel_name,omitempty"`
	UserID      string      `json:"user_id"`
	Text        string      `json:"text"`
	Ts          string      `json:"ts"`
	ThreadTS    string      `json:"thread_ts,omitempty"`
	Replies     []ChatReply `json:"replies,omitempty"`
}

type CommitDetail struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Author  string `json:"author,omitempty"`
}

type IssueDetail struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	State  string `json:"state,omitempty"`
}

type RepoPayload struct {
	RepoFullName string         `json:"repo_full_name"`
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	Actor        string         `json:"actor,omitempty"`
	Ref          string         `json:"ref,omitempty"`
	Commits      []CommitDetail `json:"commits,omitempty"`
	Issue        *IssueDetail   `json:"issue,omitempty"`
	PullRequest  *IssueDetail   `json:"pull_request,omitempty"`
	CreatedAt    time.Time      `json:"created_at,omitempty"`
}

// CourseKind discriminates the canvas item flavors. Module items carry a
// reference to underlying content resolved by the canonicalizer.
type CourseKind string

const (
	CourseAssignment   CourseKind = "assignment"
	CourseAnnouncement CourseKind = "announcement"
	CourseQuiz         CourseKind = "quiz"
	CourseDiscussion   CourseKind = "discussion"
	CourseModuleItem   CourseKind = "module_item"
)

type CoursePayload struct {
	CourseID   int64      `json:"course_id"`
	CourseName string     `json:"course_name,omitempty"`
	Kind       CourseKind `json:"kind"`
	StableID   string     `json:"stable_id"`
	Title      string     `json:"title"`
	Body       string     `json:"body,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	// Module item reference to underlying content, when declared upstream.
	ContentType string `json:"content_type,omitempty"`
	ContentID   int64  `json:"content_id,omitempty"`
	HTMLURL     string `json:"html_url,omitempty"`
}

// Snippet renders the bounded context handed to the classifier. Source
// specific, plain text; the classifier applies the length cap.
func (e Envelope) Snippet() string {
	var b strings.Builder
	switch e.Source {
	case SourceGmail:
		if m := e.Mail; m != nil {
			fmt.Fprintf(&b, "Email from %s\nSubject: %s\n\n%s", m.From, m.Subject, m.Snippet)
		}
	case SourceSlack:
		if c := e.Chat; c != nil {
			fmt.Fprintf(&b, "Slack message in #%s from %s:\n%s", channelLabel(c), c.UserID, c.Text)
			for _, r := range c.Replies {
				fmt.Fprintf(&b, "\nReply from %s: %s", r.User, r.Text)
			}
		}
	case SourceGitHub:
		if r := e.Repo; r != nil {
			fmt.Fprintf(&b, "GitHub %s in %s by %s", r.EventType, r.RepoFullName, r.Actor)
			for _, c := range r.Commits {
				fmt.Fprintf(&b, "\nCommit %s: %s", shortSHA(c.SHA), c.Message)
			}
			if r.Issue != nil {
				fmt.Fprintf(&b, "\nIssue #%d: %s\n%s", r.Issue.Number, r.Issue.Title, r.Issue.Body)
			}
			if r.PullRequest != nil {
				fmt.Fprintf(&b, "\nPull request #%d: %s\n%s", r.PullRequest.Number, r.PullRequest.Title, r.PullRequest.Body)
			}
		}
	case SourceCanvas:
		if c := e.Course; c != nil {
			fmt.Fprintf(&b, "Canvas %s in course %s: %s\n%s", c.Kind, c.CourseName, c.Title, c.Body)
			if c.DueAt != nil {
				fmt.Fprintf(&b, "\nDue: %s", c.DueAt.UTC().Format(time.RFC3339))
			}
		}
	}
	return b.String()
}

// Author returns who produced the item: the mail sender, the chat author or
// the event actor. Course material carries no single author.
func (e Envelope) Author() string {
	switch {
	case e.Mail != nil:
		return e.Mail.From
	case e.Chat != nil:
		return e.Chat.UserID
	case e.Repo != nil:
		return e.Repo.Actor
	}
	return ""
}

func channelLabel(c *ChatPayload) string {
	if c.ChannelName != "" {
		return c.ChannelName
	}
	return c.ChannelID
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
