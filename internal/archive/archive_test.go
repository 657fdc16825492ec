package archive

import (
	"context"
	"testing"

	"github.com/rockswe/justtodothings-sub000/internal/item"
)

func TestEnvelopeKeyLayout(t *testing.T) {
	cases := []struct {
		name string
		env  item.Envelope
		want string
	}{
		{
			name: "gmail has no scope segment",
			env:  item.Envelope{Source: item.SourceGmail, ExternalID: "m1", Mail: &item.MailPayload{MessageID: "m1"}},
			want: "gmail/7/m1.json",
		},
		{
			name: "slack scoped by channel",
			env:  item.Envelope{Source: item.SourceSlack, ExternalID: "1718000000.000100", Chat: &item.ChatPayload{ChannelID: "C042", Ts: "1718000000.000100"}},
			want: "slack/7/C042/1718000000.000100.json",
		},
		{
			name: "github repo slash is flattened",
			env:  item.Envelope{Source: item.SourceGitHub, ExternalID: "42", Repo: &item.RepoPayload{RepoFullName: "octo/widgets", EventID: "42"}},
			want: "github/7/octo_widgets/42.json",
		},
		{
			name: "canvas scoped by course",
			env:  item.Envelope{Source: item.SourceCanvas, ExternalID: "77", Course: &item.CoursePayload{CourseID: 9, Kind: item.CourseAssignment, StableID: "77"}},
			want: "canvas/7/9/77.json",
		},
	}
	for _, tc := range cases {
		if got := EnvelopeKey(7, tc.env); got != tc.want {
			t.Errorf("%s: key = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestMemoryArchiveLastWriteWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	env := item.Envelope{Source: item.SourceGmail, ExternalID: "m1", Mail: &item.MailPayload{MessageID: "m1", Subject: "first"}}
	if err := m.PutEnvelope(ctx, 1, env); err != nil {
		t.Fatalf("PutEnvelope: %v", err)
	}
	env.Mail.Subject = "second"
	if err := m.PutEnvelope(ctx, 1, env); err != nil {
		t.Fatalf("PutEnvelope again: %v", err)
	}
	if got := len(m.Keys()); got != 1 {
		t.Errorf("repeated writes created %d objects, want 1", got)
	}
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := SnapshotKey(5, 9)

	if _, ok, err := m.GetSnapshot(ctx, key); err != nil || ok {
		t.Fatalf("missing snapshot: ok=%v err=%v, want false nil", ok, err)
	}
	if err := m.PutSnapshot(ctx, key, []byte(`{"ids":["assignment:77"]}`)); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	data, ok, err := m.GetSnapshot(ctx, key)
	if err != nil || !ok {
		t.Fatalf("GetSnapshot: ok=%v err=%v", ok, err)
	}
	if string(data) != `{"ids":["assignment:77"]}` {
		t.Errorf("snapshot data = %s", data)
	}
}
