// Package canvas syncs course material by snapshot diffing. Canvas has no
// event feed, so each pass lists everything and emits only the stable ids
// absent from the previous snapshot in the archive. The full new snapshot is
// the effective cursor: it is handed back on Result.Commit and persisted by
// the pipeline only after the emitted items are archived, so a course whose
// delta never landed keeps its old diff base and re-emits next pass.
//
// Stable ids come from the upstream numeric id; items published without one
// get a content hash of title and body instead. Module items are emitted
// as-is with their content reference attached; collapsing them onto the
// underlying assignment or quiz is the canonicalizer's job, not ours.
package canvas

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rockswe/justtodothings-sub000/internal/archive"
	"github.com/rockswe/justtodothings-sub000/internal/connector"
	"github.com/rockswe/justtodothings-sub000/internal/httpx"
	"github.com/rockswe/justtodothings-sub000/internal/item"
	"github.com/rockswe/justtodothings-sub000/internal/store"
)

const listPerPage = 100

type Connector struct {
	BaseURL string
	Archive archive.Archive
	client  *httpx.Client
	now     func() time.Time
}

func New(baseURL string, arch archive.Archive, httpClient *http.Client) *Connector {
	return &Connector{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Archive: arch,
		client:  httpx.NewClient(httpClient),
		now:     time.Now,
	}
}

// SetNow overrides the clock (tests).
func (c *Connector) SetNow(now func() time.Time) { c.now = now }

func (c *Connector) Source() item.SourceType { return item.SourceCanvas }

func (c *Connector) Sync(ctx context.Context, creds store.Credentials, marks map[string]string) (connector.Result, error) {
	base := c.baseFor(creds)

	courses, err := c.listCourses(ctx, base, creds)
	if err != nil {
		if isUnauthorized(err) {
			return connector.Result{}, fmt.Errorf("list courses: %w", connector.ErrAuth)
		}
		return connector.Result{}, fmt.Errorf("list courses: %w", err)
	}

	result := connector.Result{Watermarks: map[string]string{}}
	pending := map[string]pendingSnapshot{}
	for _, crs := range courses {
		digest, snap, items, err := c.syncCourse(ctx, base, creds, crs, &result.Report)
		if err != nil {
			if isUnauthorized(err) {
				return connector.Result{}, fmt.Errorf("course %d: %w", crs.ID, connector.ErrAuth)
			}
			// One course failing must not abort the rest of the pass.
			log.Printf("canvas: user %d course %d: %v", creds.UserID, crs.ID, err)
			result.Report.Fail(fmt.Sprintf("%d", crs.ID), "", err)
			continue
		}
		result.Items = append(result.Items, items...)
		scope := fmt.Sprintf("%d", crs.ID)
		pending[scope] = pendingSnapshot{key: archive.SnapshotKey(creds.UserID, crs.ID), data: snap}
		if digest != "" && digest != marks[scope] {
			result.Watermarks[scope] = digest
		}
	}
	if len(pending) > 0 {
		result.Commit = c.commitSnapshots(creds.UserID, pending)
	}
	return result, nil
}

// pendingSnapshot holds a marshaled per-course snapshot until the pipeline
// confirms the course's emitted items were archived.
type pendingSnapshot struct {
	key  string
	data []byte
}

func (c *Connector) commitSnapshots(userID int64, pending map[string]pendingSnapshot) func(context.Context, map[string]bool) error {
	return func(ctx context.Context, failedScopes map[string]bool) error {
		var firstErr error
		for scope, snap := range pending {
			if failedScopes[scope] {
				// The diff base must not move past items that never landed.
				log.Printf("canvas: user %d course %s: snapshot held back, items not archived", userID, scope)
				continue
			}
			if err := c.Archive.PutSnapshot(ctx, snap.key, snap.data); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("write snapshot %s: %w", scope, err)
			}
		}
		return firstErr
	}
}

// baseFor prefers the per-account instance URL; students are spread across
// many Canvas installs.
func (c *Connector) baseFor(creds store.Credentials) string {
	if u := creds.Settings["base_url"]; u != "" {
		return strings.TrimRight(u, "/")
	}
	return c.BaseURL
}

type course struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (c *Connector) listCourses(ctx context.Context, base string, creds store.Credentials) ([]course, error) {
	var courses []course
	err := c.listPaged(ctx, base+"/api/v1/courses?enrollment_state=active", creds, func(pageBody []byte) (int, error) {
		var page []course
		if err := json.Unmarshal(pageBody, &page); err != nil {
			return 0, err
		}
		courses = append(courses, page...)
		return len(page), nil
	})
	return courses, err
}

// snapshot is the per-course state written to the archive: every stable id
// the pass saw, with enough metadata to debug a diff by hand.
type snapshot struct {
	TakenAt time.Time                `json:"taken_at"`
	Items   map[string]snapshotItem `json:"items"`
}

type snapshotItem struct {
	Kind  item.CourseKind `json:"kind"`
	Title string          `json:"title"`
}

func (c *Connector) syncCourse(ctx context.Context, base string, creds store.Credentials, crs course, report *connector.Report) (string, []byte, []item.Envelope, error) {
	payloads, err := c.listCourseContent(ctx, base, creds, crs)
	if err != nil {
		return "", nil, nil, err
	}

	previous := map[string]snapshotItem{}
	key := archive.SnapshotKey(creds.UserID, crs.ID)
	if data, ok, err := c.Archive.GetSnapshot(ctx, key); err != nil {
		return "", nil, nil, fmt.Errorf("read snapshot: %w", err)
	} else if ok {
		var prev snapshot
		if err := json.Unmarshal(data, &prev); err != nil {
			// A corrupt snapshot means a one-time full re-emit, which the
			// upsert engine absorbs. Better than wedging the course forever.
			log.Printf("canvas: user %d course %d: snapshot unreadable, treating as first pass: %v", creds.UserID, crs.ID, err)
		} else {
			previous = prev.Items
		}
	}

	next := snapshot{TakenAt: c.now().UTC(), Items: make(map[string]snapshotItem, len(payloads))}
	var items []item.Envelope
	for _, p := range payloads {
		next.Items[p.StableID] = snapshotItem{Kind: p.Kind, Title: p.Title}
		if _, seen := previous[p.StableID]; seen {
			continue
		}
		payload := p
		items = append(items, item.Envelope{
			Source:        item.SourceCanvas,
			ExternalID:    payload.StableID,
			FetchedAt:     c.now().UTC(),
			ParentContext: fmt.Sprintf("%d", crs.ID),
			Course:        &payload,
		})
		report.Process(1)
	}

	data, err := json.Marshal(next)
	if err != nil {
		return "", nil, nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return snapshotDigest(next.Items), data, items, nil
}

func (c *Connector) listCourseContent(ctx context.Context, base string, creds store.Credentials, crs course) ([]item.CoursePayload, error) {
	var payloads []item.CoursePayload

	assignments, err := c.listAssignments(ctx, base, creds, crs)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	payloads = append(payloads, assignments...)

	announcements, err := c.listAnnouncements(ctx, base, creds, crs)
	if err != nil {
		return nil, fmt.Errorf("list announcements: %w", err)
	}
	payloads = append(payloads, announcements...)

	moduleItems, err := c.listModuleItems(ctx, base, creds, crs)
	if err != nil {
		return nil, fmt.Errorf("list module items: %w", err)
	}
	payloads = append(payloads, moduleItems...)

	return payloads, nil
}

func (c *Connector) listAssignments(ctx context.Context, base string, creds store.Credentials, crs course) ([]item.CoursePayload, error) {
	var payloads []item.CoursePayload
	url := fmt.Sprintf("%s/api/v1/courses/%d/assignments", base, crs.ID)
	err := c.listPaged(ctx, url, creds, func(pageBody []byte) (int, error) {
		var page []struct {
			ID          int64      `json:"id"`
			Name        string     `json:"name"`
			Description string     `json:"description"`
			DueAt       *time.Time `json:"due_at"`
			HTMLURL     string     `json:"html_url"`
		}
		if err := json.Unmarshal(pageBody, &page); err != nil {
			return 0, err
		}
		for _, a := range page {
			payloads = append(payloads, item.CoursePayload{
				CourseID:   crs.ID,
				CourseName: crs.Name,
				Kind:       item.CourseAssignment,
				StableID:   stableID(a.ID, a.Name, a.Description),
				Title:      a.Name,
				Body:       a.Description,
				DueAt:      a.DueAt,
				HTMLURL:    a.HTMLURL,
			})
		}
		return len(page), nil
	})
	return payloads, err
}

func (c *Connector) listAnnouncements(ctx context.Context, base string, creds store.Credentials, crs course) ([]item.CoursePayload, error) {
	var payloads []item.CoursePayload
	url := fmt.Sprintf("%s/api/v1/courses/%d/discussion_topics?only_announcements=true", base, crs.ID)
	err := c.listPaged(ctx, url, creds, func(pageBody []byte) (int, error) {
		var page []struct {
			ID      int64  `json:"id"`
			Title   string `json:"title"`
			Message string `json:"message"`
			HTMLURL string `json:"html_url"`
		}
		if err := json.Unmarshal(pageBody, &page); err != nil {
			return 0, err
		}
		for _, a := range page {
			payloads = append(payloads, item.CoursePayload{
				CourseID:   crs.ID,
				CourseName: crs.Name,
				Kind:       item.CourseAnnouncement,
				StableID:   stableID(a.ID, a.Title, a.Message),
				Title:      a.Title,
				Body:       a.Message,
				HTMLURL:    a.HTMLURL,
			})
		}
		return len(page), nil
	})
	return payloads, err
}

func (c *Connector) listModuleItems(ctx context.Context, base string, creds store.Credentials, crs course) ([]item.CoursePayload, error) {
	var payloads []item.CoursePayload
	url := fmt.Sprintf("%s/api/v1/courses/%d/modules?include[]=items", base, crs.ID)
	err := c.listPaged(ctx, url, creds, func(pageBody []byte) (int, error) {
		var page []struct {
			ID    int64  `json:"id"`
			Name  string `json:"name"`
			Items []struct {
				ID        int64  `json:"id"`
				Title     string `json:"title"`
				Type      string `json:"type"`
				ContentID int64  `json:"content_id"`
				HTMLURL   string `json:"html_url"`
			} `json:"items"`
		}
		if err := json.Unmarshal(pageBody, &page); err != nil {
			return 0, err
		}
		for _, module := range page {
			for _, mi := range module.Items {
				if mi.Type == "SubHeader" {
					continue
				}
				payloads = append(payloads, item.CoursePayload{
					CourseID:    crs.ID,
					CourseName:  crs.Name,
					Kind:        item.CourseModuleItem,
					StableID:    stableID(mi.ID, mi.Title, ""),
					Title:       mi.Title,
					ContentType: mi.Type,
					ContentID:   mi.ContentID,
					HTMLURL:     mi.HTMLURL,
				})
			}
		}
		return len(page), nil
	})
	return payloads, err
}

// listPaged walks page= pagination until a short page. handle returns the
// number of entries it decoded from the page body.
func (c *Connector) listPaged(ctx context.Context, url string, creds store.Credentials, handle func(pageBody []byte) (int, error)) error {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	for page := 1; ; page++ {
		pageURL := fmt.Sprintf("%s%sper_page=%d&page=%d", url, sep, listPerPage, page)

		var raw json.RawMessage
		if _, err := c.client.DoJSON(ctx, http.MethodGet, pageURL, c.header(creds), nil, &raw); err != nil {
			return err
		}
		n, err := handle(raw)
		if err != nil {
			return fmt.Errorf("decode page %d: %w", page, err)
		}
		if n < listPerPage {
			return nil
		}
	}
}

func (c *Connector) header(creds store.Credentials) http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.AccessToken)
	return header
}

// stableID prefers the upstream numeric id and hashes the content when the
// id is missing.
func stableID(id int64, title, body string) string {
	if id > 0 {
		return fmt.Sprintf("%d", id)
	}
	sum := sha256.Sum256([]byte(title + "\x00" + body))
	return fmt.Sprintf("h%x", sum[:8])
}

// snapshotDigest is the per-course cursor: a content hash of the stable id
// set, so the stored watermark changes exactly when the course content does.
func snapshotDigest(items map[string]snapshotItem) string {
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return fmt.Sprintf("%x", sum[:8])
}

func isUnauthorized(err error) bool {
	return httpx.IsStatus(err, http.StatusUnauthorized)
}
