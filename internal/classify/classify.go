// Package classify decides whether an observed item demands user action and
// extracts the structured fields a task is built from. Cost is bounded two
// ways: a cheap subject-only pre-filter for mail, and a hard length cap on
// the context snippet sent to the full model call. Every failure mode
// degrades to "not actionable" - classification errors must never
// manufacture tasks.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/rockswe/justtodothings-sub000/internal/httpx"
	"github.com/rockswe/justtodothings-sub000/internal/item"
)

const (
	defaultModel   = "gpt-4o-mini"
	maxSnippetLen  = 6000
	chatCompletion = "/v1/chat/completions"
)

// Result is consumed immediately by the window filter and upsert step; it is
// never persisted standalone.
type Result struct {
	IsActionable bool
	ItemName     string
	Summary      string
	Priority     string
	DueDate      *time.Time
	ActionType   string
}

type Classifier struct {
	baseURL string
	apiKey  string
	model   string
	client  *httpx.Client
	now     func() time.Time
}

func New(baseURL, apiKey, model string, httpClient *http.Client) *Classifier {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if model == "" {
		model = defaultModel
	}
	return &Classifier{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		client:  httpx.NewClient(httpClient),
		now:     time.Now,
	}
}

// SetNow overrides the clock used for resolving relative due dates (tests).
func (c *Classifier) SetNow(now func() time.Time) { c.now = now }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Prefilter is the mail-only cheap gate: subject and sender alone decide
// whether the full-context call is worth making. Ambiguity and failures
// both come back false.
func (c *Classifier) Prefilter(ctx context.Context, subject, sender string) bool {
	prompt := fmt.Sprintf("Subject: %s\nFrom: %s", subject, sender)
	content, err := c.complete(ctx, prefilterSystemPrompt, prompt)
	if err != nil {
		log.Printf("classify: prefilter degraded to not actionable: %v", err)
		return false
	}
	var out struct {
		Actionable *bool `json:"actionable"`
	}
	if err := json.Unmarshal(stripFences(content), &out); err != nil || out.Actionable == nil {
		log.Printf("classify: prefilter response unparseable, not actionable: %q", content)
		return false
	}
	return *out.Actionable
}

// Classify runs the full-context call. The response contract is strict: a
// non-actionable item is `{"is_actionable": false}` alone; an actionable one
// must carry every structured field or the whole response is treated as a
// parse failure. Any failure yields IsActionable=false.
func (c *Classifier) Classify(ctx context.Context, source item.SourceType, snippet string) Result {
	if len(snippet) > maxSnippetLen {
		snippet = snippet[:maxSnippetLen]
	}
	system := fmt.Sprintf(classifySystemPrompt, c.now().UTC().Format("2006-01-02"), source)
	content, err := c.complete(ctx, system, snippet)
	if err != nil {
		log.Printf("classify: %s call degraded to not actionable: %v", source, err)
		return Result{}
	}
	result, err := parseResult(content)
	if err != nil {
		log.Printf("classify: %s response rejected: %v", source, err)
		return Result{}
	}
	return result
}

func (c *Classifier) complete(ctx context.Context, system, user string) (string, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	var resp chatResponse
	if _, err := c.client.DoJSON(ctx, http.MethodPost, c.baseURL+chatCompletion, header, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty model response")
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", fmt.Errorf("response blocked by safety policy")
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty model response")
	}
	return content, nil
}

type rawResult struct {
	IsActionable *bool  `json:"is_actionable"`
	ItemName     string `json:"item_name"`
	Summary      string `json:"summary"`
	Priority     string `json:"priority"`
	// Raw so that an absent key is distinguishable from an explicit null;
	// the contract requires the key either way.
	DueDate    json.RawMessage `json:"due_date"`
	ActionType string          `json:"action_type"`
}

func parseResult(content string) (Result, error) {
	var raw rawResult
	decoder := json.NewDecoder(strings.NewReader(string(stripFences(content))))
	if err := decoder.Decode(&raw); err != nil {
		return Result{}, fmt.Errorf("malformed response: %w", err)
	}
	if raw.IsActionable == nil {
		return Result{}, fmt.Errorf("response missing is_actionable")
	}
	if !*raw.IsActionable {
		return Result{}, nil
	}
	if raw.ItemName == "" || raw.Summary == "" || raw.Priority == "" || raw.ActionType == "" {
		return Result{}, fmt.Errorf("actionable response missing required fields")
	}
	if raw.DueDate == nil {
		return Result{}, fmt.Errorf("actionable response missing due_date")
	}

	result := Result{
		IsActionable: true,
		ItemName:     raw.ItemName,
		Summary:      raw.Summary,
		Priority:     raw.Priority,
		ActionType:   raw.ActionType,
	}
	var dueStr *string
	if err := json.Unmarshal(raw.DueDate, &dueStr); err != nil {
		return Result{}, fmt.Errorf("malformed due_date %s: %w", raw.DueDate, err)
	}
	if dueStr != nil && *dueStr != "" && !strings.EqualFold(*dueStr, "null") {
		due, err := parseDueDate(*dueStr)
		if err != nil {
			return Result{}, fmt.Errorf("unparseable due_date %q: %w", *dueStr, err)
		}
		result.DueDate = &due
	}
	return result, nil
}

func parseDueDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp layout")
}

// stripFences tolerates models wrapping JSON in markdown code fences.
func stripFences(content string) []byte {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
	}
	return []byte(strings.TrimSpace(content))
}
