package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
)

// NodeInfo declares one named graph input or output.
type NodeInfo struct {
	Name  string `json:"name"  yaml:"name"`
	DType string `json:"dtype" yaml:"dtype"`
	Shape []any  `json:"shape" yaml:"shape"`
}

// Session describes a single ONNX graph on disk and its declared I/O.
// Output order is significant: graphs with positional outputs are unpacked
// in the order listed here.
type Session struct {
	Name string
	Path string

	Inputs  []NodeInfo
	Outputs []NodeInfo
}

func (s Session) InputNames() []string {
	return names(s.Inputs)
}

func (s Session) OutputNames() []string {
	return names(s.Outputs)
}

func (s Session) HasInput(name string) bool {
	return slices.Contains(s.InputNames(), name)
}

// SessionManager indexes the sessions of one model bundle by name.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]Session
	order    []string
}

func NewSessionManager(sessions ...Session) (*SessionManager, error) {
	if len(sessions) == 0 {
		return nil, errors.New("no sessions declared")
	}

	sm := &SessionManager{
		sessions: make(map[string]Session, len(sessions)),
		order:    make([]string, 0, len(sessions)),
	}

	for _, s := range sessions {
		if s.Name == "" {
			return nil, errors.New("session has empty name")
		}

		if s.Path == "" {
			return nil, fmt.Errorf("session %q has empty path", s.Name)
		}

		if _, exists := sm.sessions[s.Name]; exists {
			return nil, fmt.Errorf("duplicate session name %q", s.Name)
		}

		if _, err := os.Stat(s.Path); err != nil {
			return nil, fmt.Errorf("session file for %q: %w", s.Name, err)
		}

		s.Inputs = append([]NodeInfo(nil), s.Inputs...)
		s.Outputs = append([]NodeInfo(nil), s.Outputs...)
		sm.sessions[s.Name] = s
		sm.order = append(sm.order, s.Name)

		slog.Info(
			"registered ONNX session",
			"name", s.Name,
			"path", s.Path,
			"inputs", strings.Join(s.InputNames(), ","),
			"outputs", strings.Join(s.OutputNames(), ","),
		)
	}

	return sm, nil
}

func (m *SessionManager) Session(name string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[name]

	return s, ok
}

func (m *SessionManager) Sessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.order))
	for _, name := range m.order {
		s := m.sessions[name]
		s.Inputs = append([]NodeInfo(nil), s.Inputs...)
		s.Outputs = append([]NodeInfo(nil), s.Outputs...)
		out = append(out, s)
	}

	return out
}

func names(nodes []NodeInfo) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}

	return out
}
