package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"marimoguard/internal/logging"
)

// Session is a read-only projection of one active-notebooks entry.
type Session struct {
	SessionID string         `json:"session_id"`
	FilePath  string         `json:"file_path"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NotebookLister is the part of Client the session service needs.
type NotebookLister interface {
	ActiveNotebooks(ctx context.Context) ([]Notebook, error)
}

// SessionService derives sessions from the status endpoint on every call.
// Nothing is cached.
type SessionService struct {
	lister NotebookLister
}

// NewSessionService creates a session service.
func NewSessionService(lister NotebookLister) *SessionService {
	return &SessionService{lister: lister}
}

// ActiveSessions returns the current sessions. Listing failures are logged
// and produce an empty result.
func (s *SessionService) ActiveSessions(ctx context.Context) []Session {
	notebooks, err := s.lister.ActiveNotebooks(ctx)
	if err != nil {
		logging.MCPDebug("Failed to list active sessions: %v", err)
		return []Session{}
	}

	sessions := make([]Session, 0, len(notebooks))
	for _, nb := range notebooks {
		path := nb.String("file_path", "path")
		if path == "" {
			continue
		}
		id := nb.String("session_id", "id")
		if id == "" {
			id = path
		}
		status := nb.String("status")
		if status == "" {
			status = "active"
		}
		sessions = append(sessions, Session{
			SessionID: id,
			FilePath:  path,
			Status:    status,
			Metadata:  map[string]any(nb),
		})
	}
	return sessions
}

// SessionFor returns the session editing notebookPath. A session matches
// when its resolved path equals the notebook's or their base names agree.
func (s *SessionService) SessionFor(ctx context.Context, notebookPath string) (Session, bool) {
	target := resolvePath(notebookPath)
	for _, sess := range s.ActiveSessions(ctx) {
		candidate := resolvePath(sess.FilePath)
		if candidate == target || filepath.Base(candidate) == filepath.Base(target) {
			return sess, true
		}
	}
	return Session{}, false
}

// IsNotebookActive reports whether any session has notebookPath open.
func (s *SessionService) IsNotebookActive(ctx context.Context, notebookPath string) bool {
	_, ok := s.SessionFor(ctx, notebookPath)
	return ok
}

// WarnIfActive returns a warning when notebookPath is open in an editing
// session, and "" otherwise.
func (s *SessionService) WarnIfActive(ctx context.Context, notebookPath string) string {
	sess, ok := s.SessionFor(ctx, notebookPath)
	if !ok {
		return ""
	}
	return fmt.Sprintf("Notebook is currently open in marimo (session: %s). "+
		"Refreshing data may cause conflicts with active editing session.", sess.SessionID)
}

func resolvePath(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return p
}
