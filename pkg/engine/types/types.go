// Package types holds the data model shared by the conversational session
// engine: durable sessions, their messages, and per-turn retrieval results.
package types

import (
	"regexp"
	"time"
)

type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusPaused SessionStatus = "paused"
	StatusEnded  SessionStatus = "ended"
)

type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
)

// Source identifies one retrieved document that contributed generation
// context for an assistant message.
type Source struct {
	Filename   string  `json:"filename"`
	Similarity float64 `json:"similarity"`
}

// RAGInfo records how an assistant message was produced.
type RAGInfo struct {
	DocumentsFound   int    `json:"documents_found"`
	Model            string `json:"model,omitempty"`
	ProcessingTimeMS int64  `json:"processing_time_ms,omitempty"`
}

// Message is one entry in a session's history. Immutable once appended.
type Message struct {
	ID                string      `json:"id"`
	Timestamp         time.Time   `json:"timestamp"`
	Type              MessageType `json:"type"`
	Content           string      `json:"content"`
	Sources           []Source    `json:"sources,omitempty"`
	EmergencyDetected bool        `json:"emergency_detected,omitempty"`
	RAGInfo           *RAGInfo    `json:"rag_info,omitempty"`
}

// Metadata carries session lifecycle timestamps and connection-level flags.
type Metadata struct {
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	VoiceDisabled bool           `json:"voice_disabled,omitempty"`
	Flags         map[string]any `json:"flags,omitempty"`
}

// Session is the durable record of one conversation. The engine only ever
// appends to History and moves Status; UserID never changes after creation.
type Session struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	MedicalProfile string        `json:"medical_profile,omitempty"`
	History        []Message     `json:"history"`
	Status         SessionStatus `json:"status"`
	Metadata       Metadata      `json:"metadata"`
}

// Clone returns a deep copy suitable for handing to a connection as its
// private snapshot.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.History = make([]Message, len(s.History))
	for i, msg := range s.History {
		if msg.Sources != nil {
			sources := make([]Source, len(msg.Sources))
			copy(sources, msg.Sources)
			msg.Sources = sources
		}
		if msg.RAGInfo != nil {
			info := *msg.RAGInfo
			msg.RAGInfo = &info
		}
		out.History[i] = msg
	}
	if s.Metadata.EndedAt != nil {
		ended := *s.Metadata.EndedAt
		out.Metadata.EndedAt = &ended
	}
	if s.Metadata.Flags != nil {
		flags := make(map[string]any, len(s.Metadata.Flags))
		for k, v := range s.Metadata.Flags {
			flags[k] = v
		}
		out.Metadata.Flags = flags
	}
	return &out
}

// ScoredDocument is one similarity-search hit.
type ScoredDocument struct {
	ID         string  `json:"id"`
	Filename   string  `json:"filename"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// RAGResult is the transient outcome of one turn's retrieval step. It is
// folded into the assistant message rather than persisted directly.
type RAGResult struct {
	Context        string
	Sources        []Source
	DocumentsFound int
}

// Session ids are opaque caller-supplied tokens; the creation endpoint
// prefixes them by convention, so anything url-safe of sane length passes.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{7,127}$`)

func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
