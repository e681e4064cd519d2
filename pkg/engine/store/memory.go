package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/medchat-go/consult/pkg/engine/types"
)

// MemoryStore keeps sessions in a process-local map. Callers get deep
// copies, so a returned session can be mutated freely as a connection
// snapshot.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*types.Session),
		now:      time.Now,
	}
}

// Put seeds or replaces a session. It stands in for the session-creation
// endpoint, which is outside this subsystem.
func (m *MemoryStore) Put(sess *types.Session) {
	if sess == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := sess.Clone()
	if stored.Metadata.CreatedAt.IsZero() {
		stored.Metadata.CreatedAt = m.now()
	}
	if stored.Metadata.UpdatedAt.IsZero() {
		stored.Metadata.UpdatedAt = stored.Metadata.CreatedAt
	}
	if stored.Status == "" {
		stored.Status = types.StatusActive
	}
	m.sessions[stored.ID] = stored
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, sessionID string, msg types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.History = append(sess.History, msg)
	sess.Metadata.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, sessionID string, status types.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.Status = status
	sess.Metadata.UpdatedAt = m.now()
	if status == types.StatusEnded {
		ended := m.now()
		sess.Metadata.EndedAt = &ended
	}
	return nil
}

// MemorySearcher ranks seeded documents by cosine similarity. It mirrors
// the match_documents semantics closely enough for tests and local runs.
type MemorySearcher struct {
	mu        sync.RWMutex
	docs      map[string][]memoryDoc // by owner user id
	threshold float64
}

type memoryDoc struct {
	doc       types.ScoredDocument
	embedding []float32
}

func NewMemorySearcher(threshold float64) *MemorySearcher {
	return &MemorySearcher{
		docs:      make(map[string][]memoryDoc),
		threshold: threshold,
	}
}

func (m *MemorySearcher) Add(userID string, doc types.ScoredDocument, embedding []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[userID] = append(m.docs[userID], memoryDoc{doc: doc, embedding: embedding})
}

func (m *MemorySearcher) Search(_ context.Context, userID string, embedding []float32, topK int) ([]types.ScoredDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.ScoredDocument
	for _, d := range m.docs[userID] {
		sim := cosine(embedding, d.embedding)
		if sim < m.threshold {
			continue
		}
		doc := d.doc
		doc.Similarity = sim
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
