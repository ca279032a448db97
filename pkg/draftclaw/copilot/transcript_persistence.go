// transcript_persistence.go implements disk persistence for transcripts using
// JSONL. Every append and every tool part transition is one line; loading
// replays the lines in order.
package copilot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultTranscriptsDir = "./data/transcripts"

	lineTypeMessage    = "message"
	lineTypePartUpdate = "part_update"
)

// jsonlLine is the JSON line format of a transcript file.
type jsonlLine struct {
	Type      string    `json:"type"`
	TS        string    `json:"ts"`
	Message   *Message  `json:"message,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Part      *ToolPart `json:"part,omitempty"`
}

// JSONLTranscriptStore stores one append-only JSONL file per session.
type JSONLTranscriptStore struct {
	dir    string
	logger *slog.Logger
	fileMu map[string]*sync.Mutex // per-session file lock
	mapMu  sync.Mutex
}

// NewJSONLTranscriptStore creates the store and ensures the directory exists.
func NewJSONLTranscriptStore(dir string, logger *slog.Logger) (*JSONLTranscriptStore, error) {
	if dir == "" {
		dir = defaultTranscriptsDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create transcripts dir %q: %w", dir, err)
	}
	return &JSONLTranscriptStore{
		dir:    dir,
		logger: logger.With("component", "transcript_store"),
		fileMu: make(map[string]*sync.Mutex),
	}, nil
}

// sanitizeSessionID returns a filesystem-safe name.
func sanitizeSessionID(sessionID string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "\\", "_", "..", "_")
	return r.Replace(sessionID)
}

func (s *JSONLTranscriptStore) pathFor(sessionID string) string {
	return filepath.Join(s.dir, sanitizeSessionID(sessionID)+".jsonl")
}

func (s *JSONLTranscriptStore) fileMuFor(sessionID string) *sync.Mutex {
	sanitized := sanitizeSessionID(sessionID)
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	if m, ok := s.fileMu[sanitized]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.fileMu[sanitized] = m
	return m
}

// AppendMessage writes a message line.
func (s *JSONLTranscriptStore) AppendMessage(sessionID string, msg Message) error {
	return s.appendLine(sessionID, jsonlLine{
		Type:    lineTypeMessage,
		TS:      msg.Timestamp.UTC().Format(time.RFC3339Nano),
		Message: &msg,
	})
}

// UpdateToolPart writes a part_update line; replay applies it to the
// message it names.
func (s *JSONLTranscriptStore) UpdateToolPart(sessionID, messageID string, part ToolPart) error {
	return s.appendLine(sessionID, jsonlLine{
		Type:      lineTypePartUpdate,
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		MessageID: messageID,
		Part:      &part,
	})
}

func (s *JSONLTranscriptStore) appendLine(sessionID string, line jsonlLine) error {
	mu := s.fileMuFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal %s line: %w", line.Type, err)
	}

	f, err := os.OpenFile(s.pathFor(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.logger.Error("failed to open transcript file for append", "session", sessionID, "err", err)
		return fmt.Errorf("open transcript file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			s.logger.Warn("failed to close transcript file", "session", sessionID, "err", closeErr)
		}
	}()

	if _, err := f.Write(append(data, '\n')); err != nil {
		s.logger.Error("failed to write transcript line", "session", sessionID, "err", err)
		return fmt.Errorf("write %s line: %w", line.Type, err)
	}
	return nil
}

// LoadMessages replays the session file. Malformed lines and updates for
// unknown messages are skipped with a warning.
func (s *JSONLTranscriptStore) LoadMessages(sessionID string) ([]Message, error) {
	mu := s.fileMuFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(s.pathFor(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript file: %w", err)
	}
	defer f.Close()

	var (
		messages []Message
		index    = make(map[string]int)
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line jsonlLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			s.logger.Warn("skipping malformed transcript line", "session", sessionID, "line", lineNo, "err", err)
			continue
		}

		switch line.Type {
		case lineTypeMessage:
			if line.Message == nil {
				continue
			}
			index[line.Message.ID] = len(messages)
			messages = append(messages, *line.Message)
		case lineTypePartUpdate:
			if line.Part == nil {
				continue
			}
			mi, ok := index[line.MessageID]
			if !ok {
				s.logger.Warn("part update for unknown message", "session", sessionID, "message", line.MessageID)
				continue
			}
			applyPartUpdate(&messages[mi], *line.Part)
		default:
			s.logger.Warn("unknown transcript line type", "session", sessionID, "type", line.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript file: %w", err)
	}
	return messages, nil
}

// ListSessions returns the sessions on disk, most recently updated first.
func (s *JSONLTranscriptStore) ListSessions() ([]SessionSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transcripts dir: %w", err)
	}

	var out []SessionSummary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".jsonl")
		msgs, err := s.LoadMessages(id)
		if err != nil {
			s.logger.Warn("failed to load transcript, skipping", "session", id, "err", err)
			continue
		}
		summary := SessionSummary{ID: id, Messages: len(msgs)}
		if info, err := e.Info(); err == nil {
			summary.UpdatedAt = info.ModTime().UTC()
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// applyPartUpdate replaces the tool part with the same call id.
func applyPartUpdate(msg *Message, part ToolPart) {
	for i := range msg.Parts {
		if msg.Parts[i].Type == PartTool && msg.Parts[i].Tool != nil && msg.Parts[i].Tool.ID == part.ID {
			p := part
			msg.Parts[i].Tool = &p
			return
		}
	}
}
