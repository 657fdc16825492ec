// Package archive is the system of record for raw upstream items: an
// append-style object store under source/user/[scope/]item_id keys. The
// pipeline only writes envelopes; the single read path is the course
// connector fetching its previous full snapshot as a diff base.
package archive

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rockswe/justtodothings-sub000/internal/item"
)

type Archive interface {
	PutEnvelope(ctx context.Context, userID int64, env item.Envelope) error
	PutSnapshot(ctx context.Context, key string, data []byte) error
	// GetSnapshot returns (nil, false, nil) when no snapshot exists yet.
	GetSnapshot(ctx context.Context, key string) ([]byte, bool, error)
}

// EnvelopeKey builds the hierarchical object key for one envelope. The scope
// segment (channel, repository, course) is omitted when the source has none.
func EnvelopeKey(userID int64, env item.Envelope) string {
	scope := envelopeScope(env)
	id := sanitizeSegment(env.ExternalID)
	if scope == "" {
		return fmt.Sprintf("%s/%d/%s.json", env.Source, userID, id)
	}
	return fmt.Sprintf("%s/%d/%s/%s.json", env.Source, userID, sanitizeSegment(scope), id)
}

// SnapshotKey is where a course connector keeps its previous full listing.
func SnapshotKey(userID int64, courseID int64) string {
	return fmt.Sprintf("%s/%d/%d/snapshot.json", item.SourceCanvas, userID, courseID)
}

func envelopeScope(env item.Envelope) string {
	switch env.Source {
	case item.SourceSlack:
		if env.Chat != nil {
			return env.Chat.ChannelID
		}
	case item.SourceGitHub:
		if env.Repo != nil {
			return env.Repo.RepoFullName
		}
	case item.SourceCanvas:
		if env.Course != nil {
			return fmt.Sprintf("%d", env.Course.CourseID)
		}
	}
	return ""
}

func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

// Memory is an in-process Archive for tests and local runs without MinIO.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) PutEnvelope(ctx context.Context, userID int64, env item.Envelope) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[EnvelopeKey(userID, env)] = data
	return nil
}

func (m *Memory) PutSnapshot(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	m.objects[key] = copied
	return nil
}

func (m *Memory) GetSnapshot(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, false, nil
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return copied, true, nil
}

// Keys returns the stored object keys, for assertions in tests.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
