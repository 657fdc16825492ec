package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rockswe/justtodothings-sub000/internal/connector"
	"github.com/rockswe/justtodothings-sub000/internal/store"
)

func messageJSON(id, subject, from string) string {
	return fmt.Sprintf(`{
		"id": %q, "threadId": "t-%s", "snippet": "snippet of %s",
		"internalDate": "1718000000000",
		"payload": {"headers": [
			{"name": "Subject", "value": %q},
			{"name": "From", "value": %q}
		]}
	}`, id, id, id, subject, from)
}

func newTestConnector(srv *httptest.Server) *Connector {
	return &Connector{HTTPClient: srv.Client(), Endpoint: srv.URL, Backfill: 20}
}

func TestInitialBackfillCapturesProfileHistoryID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"messages": [{"id": "m1"}, {"id": "m2"}, {"id": "m3"}]}`)
	})
	for _, id := range []string{"m1", "m2", "m3"} {
		id := id
		mux.HandleFunc("/gmail/v1/users/me/messages/"+id, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, messageJSON(id, "Subject "+id, "alice@example.com"))
		})
	}
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"emailAddress": "me@example.com", "historyId": "12345"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	result, err := newTestConnector(srv).Sync(context.Background(), store.Credentials{UserID: 1}, map[string]string{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(result.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(result.Items))
	}
	if got := result.Watermarks[""]; got != "12345" {
		t.Errorf("new cursor = %q, want 12345 (profile history id)", got)
	}
	if result.Items[0].Mail.Subject != "Subject m1" || result.Items[0].Mail.From != "alice@example.com" {
		t.Errorf("unexpected first item payload: %+v", result.Items[0].Mail)
	}
}

func TestHistoryWalkPagesUntilExhausted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startHistoryId") != "100" {
			t.Errorf("startHistoryId = %q, want 100", r.URL.Query().Get("startHistoryId"))
		}
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprint(w, `{
				"historyId": "140",
				"nextPageToken": "p2",
				"history": [{"id": "110", "messagesAdded": [{"message": {"id": "m4"}}]}]
			}`)
			return
		}
		fmt.Fprint(w, `{
			"historyId": "150",
			"history": [{"id": "150", "messagesAdded": [{"message": {"id": "m5"}}]}]
		}`)
	})
	for _, id := range []string{"m4", "m5"} {
		id := id
		mux.HandleFunc("/gmail/v1/users/me/messages/"+id, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, messageJSON(id, "S", "f@example.com"))
		})
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	result, err := newTestConnector(srv).Sync(context.Background(), store.Credentials{UserID: 1}, map[string]string{"": "100"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(result.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(result.Items))
	}
	if got := result.Watermarks[""]; got != "150" {
		t.Errorf("new cursor = %q, want 150 (latest observed history id)", got)
	}
}

func TestPerMessageFailureSkipsNotAborts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"messages": [{"id": "good"}, {"id": "bad"}, {"id": "good2"}]}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/good", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, messageJSON("good", "S", "f@example.com"))
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/good2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, messageJSON("good2", "S", "f@example.com"))
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/bad", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"historyId": "200"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	result, err := newTestConnector(srv).Sync(context.Background(), store.Credentials{UserID: 1}, map[string]string{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(result.Items) != 2 {
		t.Errorf("items = %d, want 2 (bad one skipped)", len(result.Items))
	}
	if result.Report.Failed != 1 {
		t.Errorf("report failed = %d, want 1", result.Report.Failed)
	}
	if result.Watermarks[""] != "200" {
		t.Errorf("cursor = %q, want 200 despite one skipped item", result.Watermarks[""])
	}
}

func TestUnauthorizedMidWalkForcesCredentialWriteBack(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"code": 401, "message": "Invalid Credentials"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := store.Credentials{UserID: 1, AccessToken: "stale"}
	result, err := newTestConnector(srv).Sync(context.Background(), creds, map[string]string{"": "100"})
	if !errors.Is(err, connector.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if result.RefreshedCreds == nil {
		t.Fatal("401 mid-walk must force a credential write-back attempt")
	}
	if len(result.Watermarks) != 0 {
		t.Errorf("failed walk must not propose a cursor, got %v", result.Watermarks)
	}
}

func TestHistoryWalkWithNoNewsKeepsCursor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"historyId": "100", "history": []}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	result, err := newTestConnector(srv).Sync(context.Background(), store.Credentials{UserID: 1}, map[string]string{"": "100"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(result.Items) != 0 {
		t.Errorf("items = %d, want 0", len(result.Items))
	}
	if _, ok := result.Watermarks[""]; ok {
		t.Error("unchanged mailbox must not re-propose the same cursor")
	}
}

func TestSourceNameAndBackfillDefault(t *testing.T) {
	c := New(nil, "", 0)
	if got := string(c.Source()); got != "gmail" {
		t.Errorf("source = %q", got)
	}
	if c.Backfill != 20 {
		t.Errorf("backfill default = %d, want 20", c.Backfill)
	}
}
