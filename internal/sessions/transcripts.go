package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/llama-farm/openhoof/pkg/models"
)

// TranscriptStore is the per-session append-only message log (C3).
// Persistence is one JSON file per session under Dir, per §6.
type TranscriptStore struct {
	mu          sync.Mutex
	dir         string
	transcripts map[string]*models.Transcript // keyed by session_id
}

// NewTranscriptStore opens a transcript store rooted at dir. An empty dir
// keeps everything in memory, useful for tests.
func NewTranscriptStore(dir string) *TranscriptStore {
	return &TranscriptStore{dir: dir, transcripts: make(map[string]*models.Transcript)}
}

func (t *TranscriptStore) path(sessionID string) string {
	return filepath.Join(t.dir, sessionID+".json")
}

func (t *TranscriptStore) load(sessionID, agentID string) (*models.Transcript, error) {
	if tr, ok := t.transcripts[sessionID]; ok {
		return tr, nil
	}
	tr := &models.Transcript{SessionID: sessionID, AgentID: agentID}
	if t.dir != "" {
		data, err := os.ReadFile(t.path(sessionID))
		switch {
		case err == nil:
			if err := json.Unmarshal(data, tr); err != nil {
				return nil, fmt.Errorf("parse transcript %s: %w", sessionID, err)
			}
		case os.IsNotExist(err):
			// new transcript
		default:
			return nil, fmt.Errorf("read transcript %s: %w", sessionID, err)
		}
	}
	t.transcripts[sessionID] = tr
	return tr, nil
}

// Append appends message to the session's transcript.
func (t *TranscriptStore) Append(sessionID, agentID string, message models.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, err := t.load(sessionID, agentID)
	if err != nil {
		return err
	}
	tr.Messages = append(tr.Messages, message)
	return t.persistLocked(tr)
}

// GetMessagesForContext returns system messages, then the optional summary
// message, then the last `max` non-system messages, preserving order.
func (t *TranscriptStore) GetMessagesForContext(sessionID string, max int) ([]models.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, err := t.load(sessionID, "")
	if err != nil {
		return nil, err
	}

	var system []models.Message
	var rest []models.Message
	for _, m := range tr.Messages {
		if m.Role == models.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if max >= 0 && len(rest) > max {
		rest = rest[len(rest)-max:]
	}

	out := make([]models.Message, 0, len(system)+1+len(rest))
	out = append(out, system...)
	if tr.Summary != "" {
		out = append(out, models.Message{Role: models.RoleAssistant, Content: tr.Summary})
	}
	out = append(out, rest...)
	return out, nil
}

// NonSystemMessageCount returns the count of non-system messages, used by
// AgentTurn to decide whether auto-compaction (§4.6 step 2) should run.
func (t *TranscriptStore) NonSystemMessageCount(sessionID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, err := t.load(sessionID, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range tr.Messages {
		if m.Role != models.RoleSystem {
			n++
		}
	}
	return n, nil
}

// Summarizer produces a compaction summary for the dropped messages. A
// failing summarizer yields a placeholder, per §4.6 step 2.
type Summarizer func(dropped []models.Message) (string, error)

// Compact rewrites the transcript to {system messages} ∪ {summary message if
// any} ∪ {last keepLast non-system messages}, and increments
// CompactionCount. Idempotent if the transcript already has ≤ keepLast
// non-system messages (no-op, CompactionCount unchanged).
func (t *TranscriptStore) Compact(sessionID string, keepLast int, summarize Summarizer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, err := t.load(sessionID, "")
	if err != nil {
		return err
	}

	var system []models.Message
	var rest []models.Message
	for _, m := range tr.Messages {
		if m.Role == models.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) <= keepLast {
		return nil
	}

	dropped := rest[:len(rest)-keepLast]
	kept := rest[len(rest)-keepLast:]

	summary := fmt.Sprintf("[%d earlier messages compacted]", len(dropped))
	if summarize != nil {
		if s, err := summarize(dropped); err == nil && s != "" {
			summary = s
		}
	}

	tr.Messages = append(append([]models.Message{}, system...), kept...)
	tr.Summary = summary
	tr.CompactionCount++
	return t.persistLocked(tr)
}

func (t *TranscriptStore) persistLocked(tr *models.Transcript) error {
	if t.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("create transcripts dir: %w", err)
	}
	tmp := t.path(tr.SessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write transcript tmp file: %w", err)
	}
	return os.Rename(tmp, t.path(tr.SessionID))
}
