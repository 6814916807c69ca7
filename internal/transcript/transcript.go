// Package transcript accumulates per-role transcription fragments across a
// turn and keeps the ordered log of finalized entries.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Role identifies who spoke an utterance.
type Role int

const (
	RoleUser Role = iota
	RoleAgent
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// Entry is one finalized utterance. Entries are never mutated once created.
type Entry struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// Accumulator buffers fragments for the turn in progress.
type Accumulator struct {
	user  strings.Builder
	agent strings.Builder
	now   func() time.Time
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{now: time.Now}
}

// Append adds a fragment to the pending buffer for role.
func (a *Accumulator) Append(role Role, text string) {
	switch role {
	case RoleUser:
		a.user.WriteString(text)
	case RoleAgent:
		a.agent.WriteString(text)
	}
}

// Pending returns the untrimmed buffer for role.
func (a *Accumulator) Pending(role Role) string {
	if role == RoleUser {
		return a.user.String()
	}
	return a.agent.String()
}

// Flush finalizes the turn: one entry per non-blank role, user before agent.
// Both buffers are empty afterwards.
func (a *Accumulator) Flush() []Entry {
	userText := strings.TrimSpace(a.user.String())
	agentText := strings.TrimSpace(a.agent.String())
	a.user.Reset()
	a.agent.Reset()

	var entries []Entry
	ts := a.now()
	if userText != "" {
		entries = append(entries, Entry{Role: RoleUser, Text: userText, Timestamp: ts})
	}
	if agentText != "" {
		entries = append(entries, Entry{Role: RoleAgent, Text: agentText, Timestamp: ts})
	}
	return entries
}

// Reset drops any pending text without producing entries.
func (a *Accumulator) Reset() {
	a.user.Reset()
	a.agent.Reset()
}

// Log is the append-only sequence of finalized entries.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

// Append adds entries at the end of the log.
func (l *Log) Append(entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entries...)
}

// Entries returns a copy of the log.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Format renders entries as "role: text" lines.
func Format(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Role.String())
		b.WriteString(": ")
		b.WriteString(e.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// String renders the whole log.
func (l *Log) String() string {
	return Format(l.Entries())
}
