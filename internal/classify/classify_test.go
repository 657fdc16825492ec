package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rockswe/justtodothings-sub000/internal/item"
)

func modelServer(t *testing.T, handler func(userContent string) (string, int)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode model request: %v", err)
		}
		user := ""
		for _, m := range req.Messages {
			if m.Role == "user" {
				user = m.Content
			}
		}
		content, status := handler(user)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"finish_reason": "stop", "message": map[string]any{"content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestClassifier(srv *httptest.Server) *Classifier {
	c := New(srv.URL, "test-key", "test-model", srv.Client())
	c.client.BaseDelay = time.Millisecond
	c.client.MaxDelay = 2 * time.Millisecond
	return c
}

func TestClassifyResolvesRelativeDueDate(t *testing.T) {
	srv := modelServer(t, func(user string) (string, int) {
		return `{"is_actionable": true, "item_name": "Submit report", "summary": "Report due tomorrow evening.", "priority": "important", "due_date": "2024-06-11T20:00:00Z", "action_type": "submit"}`, http.StatusOK
	})
	defer srv.Close()

	c := newTestClassifier(srv)
	c.SetNow(func() time.Time { return time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC) })

	result := c.Classify(context.Background(), item.SourceGmail, "due tomorrow at 8pm")
	if !result.IsActionable {
		t.Fatal("expected actionable result")
	}
	want := time.Date(2024, 6, 11, 20, 0, 0, 0, time.UTC)
	if result.DueDate == nil || !result.DueDate.Equal(want) {
		t.Errorf("due date = %v, want %v", result.DueDate, want)
	}
}

func TestClassifyNotActionableNeedsNoOtherFields(t *testing.T) {
	srv := modelServer(t, func(string) (string, int) {
		return `{"is_actionable": false}`, http.StatusOK
	})
	defer srv.Close()

	result := newTestClassifier(srv).Classify(context.Background(), item.SourceSlack, "fyi")
	if result.IsActionable {
		t.Error("expected not actionable")
	}
}

func TestClassifyMissingRequiredFieldIsParseFailure(t *testing.T) {
	srv := modelServer(t, func(string) (string, int) {
		// actionable but missing summary and action_type
		return `{"is_actionable": true, "item_name": "Do thing", "priority": "low", "due_date": null}`, http.StatusOK
	})
	defer srv.Close()

	result := newTestClassifier(srv).Classify(context.Background(), item.SourceGmail, "snippet")
	if result.IsActionable {
		t.Error("partial actionable response must degrade to not actionable")
	}
}

func TestClassifyDueDateKeyMustBePresent(t *testing.T) {
	// The key may carry null, but omitting it entirely breaks the contract.
	srv := modelServer(t, func(string) (string, int) {
		return `{"is_actionable": true, "item_name": "Do thing", "summary": "A thing.", "priority": "low", "action_type": "do"}`, http.StatusOK
	})
	defer srv.Close()

	result := newTestClassifier(srv).Classify(context.Background(), item.SourceGmail, "snippet")
	if result.IsActionable {
		t.Error("actionable response without a due_date key must degrade to not actionable")
	}
}

func TestClassifyExplicitNullDueDateIsAccepted(t *testing.T) {
	srv := modelServer(t, func(string) (string, int) {
		return `{"is_actionable": true, "item_name": "Do thing", "summary": "A thing.", "priority": "low", "due_date": null, "action_type": "do"}`, http.StatusOK
	})
	defer srv.Close()

	result := newTestClassifier(srv).Classify(context.Background(), item.SourceGmail, "snippet")
	if !result.IsActionable || result.DueDate != nil {
		t.Errorf("explicit null due date should be actionable with no due date, got %+v", result)
	}
}

func TestClassifyMalformedJSONDegrades(t *testing.T) {
	srv := modelServer(t, func(string) (string, int) {
		return `I think this needs action!`, http.StatusOK
	})
	defer srv.Close()

	result := newTestClassifier(srv).Classify(context.Background(), item.SourceGmail, "snippet")
	if result.IsActionable {
		t.Error("non-JSON response must degrade to not actionable")
	}
}

func TestClassifyUpstreamFailureAfterRetriesDegrades(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	result := newTestClassifier(srv).Classify(context.Background(), item.SourceGmail, "snippet")
	if result.IsActionable {
		t.Error("upstream failure must degrade to not actionable")
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("model called %d times, want 4 (1 + 3 backoff retries)", got)
	}
}

func TestClassifyFencedJSONIsAccepted(t *testing.T) {
	srv := modelServer(t, func(string) (string, int) {
		return "```json\n{\"is_actionable\": true, \"item_name\": \"Review PR\", \"summary\": \"Review requested.\", \"priority\": \"medium\", \"due_date\": null, \"action_type\": \"review\"}\n```", http.StatusOK
	})
	defer srv.Close()

	result := newTestClassifier(srv).Classify(context.Background(), item.SourceGitHub, "snippet")
	if !result.IsActionable || result.ItemName != "Review PR" || result.DueDate != nil {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestClassifySnippetIsTruncated(t *testing.T) {
	var seenLen int
	srv := modelServer(t, func(user string) (string, int) {
		seenLen = len(user)
		return `{"is_actionable": false}`, http.StatusOK
	})
	defer srv.Close()

	long := make([]byte, maxSnippetLen*2)
	for i := range long {
		long[i] = 'a'
	}
	newTestClassifier(srv).Classify(context.Background(), item.SourceGmail, string(long))
	if seenLen != maxSnippetLen {
		t.Errorf("snippet length sent = %d, want %d", seenLen, maxSnippetLen)
	}
}

func TestPrefilterDefaultsToFalse(t *testing.T) {
	cases := []struct {
		name    string
		content string
		status  int
		want    bool
	}{
		{"explicit yes", `{"actionable": true}`, http.StatusOK, true},
		{"explicit no", `{"actionable": false}`, http.StatusOK, false},
		{"garbage", `maybe?`, http.StatusOK, false},
		{"missing field", `{}`, http.StatusOK, false},
		{"upstream error", ``, http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		srv := modelServer(t, func(string) (string, int) { return tc.content, tc.status })
		got := newTestClassifier(srv).Prefilter(context.Background(), "FWD: sale ends tonight", "deals@shop.example")
		srv.Close()
		if got != tc.want {
			t.Errorf("%s: prefilter = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestClassifySafetyBlockDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"finish_reason":"content_filter","message":{"content":""}}]}`)
	}))
	defer srv.Close()

	result := newTestClassifier(srv).Classify(context.Background(), item.SourceGmail, "snippet")
	if result.IsActionable {
		t.Error("safety-blocked response must degrade to not actionable")
	}
}
