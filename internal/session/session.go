// Package session persists per-entity conversation history as JSONL files:
// one header line followed by one line per message.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	roleUser   = "user"
	fileSuffix = ".jsonl"
	headerType = "session"
	maxLine    = 1 << 20
)

// Message is one stored turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type header struct {
	Type      string    `json:"_type"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is the conversation history of one entity.
type Session struct {
	Key       string
	CreatedAt time.Time
	UpdatedAt time.Time

	mu       sync.RWMutex
	messages []Message
}

func NewSession(key string) *Session {
	now := time.Now()
	return &Session{Key: key, CreatedAt: now, UpdatedAt: now}
}

func (s *Session) AddMessage(role, content string) {
	now := time.Now()
	s.mu.Lock()
	s.messages = append(s.messages, Message{Role: role, Content: content, Timestamp: now})
	s.UpdatedAt = now
	s.mu.Unlock()
}

// GetHistory returns a copy of the last n messages, or all of them when n
// is not positive.
func (s *Session) GetHistory(n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.messages
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	return append([]Message(nil), src...)
}

// Trim keeps at most max messages. History always starts with a user turn,
// so a leading reply left over after the cut is dropped as well.
func (s *Session) Trim(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || len(s.messages) <= max {
		return
	}
	kept := s.messages[len(s.messages)-max:]
	for len(kept) > 0 && kept[0].Role != roleUser {
		kept = kept[1:]
	}
	s.messages = append([]Message(nil), kept...)
}

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Session) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.UpdatedAt = time.Now()
	s.mu.Unlock()
}

// Manager caches sessions in memory and writes them under one directory.
type Manager struct {
	dir string

	mu    sync.Mutex
	cache map[string]*Session
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{dir: dir, cache: make(map[string]*Session)}, nil
}

// GetOrCreate returns the cached session, the one on disk, or a new one.
// A file that cannot be read starts the conversation over.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.cache[key]; ok {
		return s
	}
	s, err := m.read(key)
	if err != nil {
		s = NewSession(key)
	}
	m.cache[key] = s
	return s
}

// Save writes the session to a temp file and renames it into place.
func (m *Manager) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tmp, err := os.CreateTemp(m.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeSession(tmp, s); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path(s.Key)); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	m.cache[s.Key] = s
	return nil
}

func writeSession(f *os.File, s *Session) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(header{Type: headerType, Key: s.Key, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}); err != nil {
		return fmt.Errorf("write session header: %w", err)
	}
	for _, msg := range s.messages {
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("write session message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush session: %w", err)
	}
	return nil
}

// Delete drops the session from memory and disk. It reports whether a file
// was removed.
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
	return os.Remove(m.path(key)) == nil
}

// SessionInfo describes a stored session without loading its messages.
type SessionInfo struct {
	Key       string
	CreatedAt time.Time
	UpdatedAt time.Time
	Path      string
}

// List returns the stored sessions sorted by key.
func (m *Manager) List() []SessionInfo {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var out []SessionInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		h, err := readHeader(path)
		if err != nil {
			continue
		}
		out = append(out, SessionInfo{Key: h.Key, CreatedAt: h.CreatedAt, UpdatedAt: h.UpdatedAt, Path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// path maps a key onto a file name inside dir. Anything outside a small
// safe alphabet becomes '_'; the header carries the real key.
func (m *Manager) path(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '+', r == '@':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(m.dir, name+fileSuffix)
}

func readHeader(path string) (header, error) {
	f, err := os.Open(path)
	if err != nil {
		return header{}, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	if !sc.Scan() {
		return header{}, errors.New("empty session file")
	}
	return parseHeader(sc.Bytes())
}

func parseHeader(line []byte) (header, error) {
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return header{}, err
	}
	if h.Type != headerType {
		return header{}, fmt.Errorf("not a session header: %q", h.Type)
	}
	return h, nil
}

func (m *Manager) read(key string) (*Session, error) {
	f, err := os.Open(m.path(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	if !sc.Scan() {
		return nil, errors.New("empty session file")
	}
	h, err := parseHeader(sc.Bytes())
	if err != nil {
		return nil, err
	}
	if h.Key != key {
		// Two keys folded onto the same file name.
		return nil, fmt.Errorf("session file belongs to %q", h.Key)
	}

	s := &Session{Key: key, CreatedAt: h.CreatedAt, UpdatedAt: h.UpdatedAt}
	for sc.Scan() {
		var msg Message
		if json.Unmarshal(sc.Bytes(), &msg) == nil && msg.Role != "" {
			s.messages = append(s.messages, msg)
		}
	}
	return s, sc.Err()
}
