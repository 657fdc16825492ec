package item

import (
	"strings"
	"testing"
)

func TestCanonicalIDDefaultsToSourceAndExternalID(t *testing.T) {
	env := Envelope{Source: SourceGmail, ExternalID: "18f3a2", Mail: &MailPayload{MessageID: "18f3a2"}}
	if got := CanonicalID(env); got != "gmail:18f3a2" {
		t.Errorf("canonical id = %q, want gmail:18f3a2", got)
	}
}

func TestModuleItemCollapsesToUnderlyingAssignment(t *testing.T) {
	assignment := Envelope{
		Source:     SourceCanvas,
		ExternalID: "77",
		Course:     &CoursePayload{CourseID: 9, Kind: CourseAssignment, StableID: "77", Title: "Essay"},
	}
	moduleItem := Envelope{
		Source:     SourceCanvas,
		ExternalID: "m-310",
		Course: &CoursePayload{
			CourseID:    9,
			Kind:        CourseModuleItem,
			StableID:    "m-310",
			Title:       "Week 3: Essay",
			ContentType: "Assignment",
			ContentID:   77,
		},
	}

	a := CanonicalID(assignment)
	m := CanonicalID(moduleItem)
	if a != m {
		t.Fatalf("module item canonical id %q does not collapse to assignment id %q", m, a)
	}
	if !strings.HasSuffix(a, "77") {
		t.Errorf("canonical id %q does not end in underlying content id", a)
	}
}

func TestModuleItemWithoutContentFallsBackToOwnStableID(t *testing.T) {
	env := Envelope{
		Source:     SourceCanvas,
		ExternalID: "m-11",
		Course:     &CoursePayload{CourseID: 9, Kind: CourseModuleItem, StableID: "m-11", Title: "Syllabus page", ContentType: "Page"},
	}
	got := CanonicalID(env)
	if got != "canvas:module_item:m-11" {
		t.Errorf("canonical id = %q, want canvas:module_item:m-11", got)
	}
}

func TestQuizAndDiscussionContentTypesResolve(t *testing.T) {
	cases := []struct {
		contentType string
		want        string
	}{
		{"Quiz", "canvas:quiz:41"},
		{"Quizzes/Quiz", "canvas:quiz:41"},
		{"DiscussionTopic", "canvas:discussion:41"},
	}
	for _, tc := range cases {
		env := Envelope{
			Source:     SourceCanvas,
			ExternalID: "m-1",
			Course:     &CoursePayload{Kind: CourseModuleItem, StableID: "m-1", ContentType: tc.contentType, ContentID: 41},
		}
		if got := CanonicalID(env); got != tc.want {
			t.Errorf("content type %q: canonical id = %q, want %q", tc.contentType, got, tc.want)
		}
	}
}

func TestSnippetPerSource(t *testing.T) {
	mail := Envelope{Source: SourceGmail, Mail: &MailPayload{From: "prof@uni.edu", Subject: "Midterm", Snippet: "Reminder"}}
	if s := mail.Snippet(); !strings.Contains(s, "prof@uni.edu") || !strings.Contains(s, "Midterm") {
		t.Errorf("mail snippet missing fields: %q", s)
	}

	chat := Envelope{Source: SourceSlack, Chat: &ChatPayload{ChannelID: "C1", UserID: "U2", Text: "can you review?", Replies: []ChatReply{{User: "U3", Text: "sure"}}}}
	if s := chat.Snippet(); !strings.Contains(s, "can you review?") || !strings.Contains(s, "Reply from U3") {
		t.Errorf("chat snippet missing fields: %q", s)
	}

	repo := Envelope{Source: SourceGitHub, Repo: &RepoPayload{RepoFullName: "o/r", EventType: "PushEvent", Actor: "dev", Commits: []CommitDetail{{SHA: "abcdef1234", Message: "fix build"}}}}
	if s := repo.Snippet(); !strings.Contains(s, "abcdef1") || !strings.Contains(s, "fix build") {
		t.Errorf("repo snippet missing fields: %q", s)
	}
}
