// Package sessions implements the session store (C2) and transcript store
// (C3): a durable session-key -> metadata mapping and a per-session
// append-only message log with summarize-and-trim compaction.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llama-farm/openhoof/pkg/models"
)

// Store is the session store (C2): a durable mapping from session key to
// session metadata (§4.2). Persistence is a single JSON file, per §6.
type Store struct {
	mu       sync.Mutex
	path     string
	sessions map[string]*models.Session // keyed by session_key
}

// NewStore loads (or initializes) a session store persisted at path.
// An empty path keeps the store in-memory only, useful for tests.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, sessions: make(map[string]*models.Session)}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.sessions); err != nil {
		return nil, fmt.Errorf("parse sessions file: %w", err)
	}
	return s, nil
}

// GetOrCreate returns the existing session for key, or constructs and
// persists one with a fresh UUID and status "active".
func (s *Store) GetOrCreate(key, agentID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[key]; ok {
		return *existing, nil
	}

	now := time.Now()
	session := &models.Session{
		SessionID:  uuid.NewString(),
		SessionKey: key,
		AgentID:    agentID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     models.SessionStatusActive,
	}
	s.sessions[key] = session
	if err := s.persistLocked(); err != nil {
		return models.Session{}, err
	}
	return *session, nil
}

// Get returns the session for key, if present.
func (s *Store) Get(key string) (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return models.Session{}, false
	}
	return *sess, true
}

// Update applies fn to the session's fields (only the listed fields should
// be mutated by the caller) and advances UpdatedAt.
func (s *Store) Update(key string, fn func(*models.Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("%w: session %q", ErrNotFound, key)
	}
	fn(sess)
	sess.UpdatedAt = time.Now()
	return s.persistLocked()
}

// AddTokens monotonically advances a session's token counters.
func (s *Store) AddTokens(key string, input, output int64) error {
	return s.Update(key, func(sess *models.Session) {
		sess.InputTokens += input
		sess.OutputTokens += output
		sess.TotalTokens += input + output
	})
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sessions tmp file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
