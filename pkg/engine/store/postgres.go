package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medchat-go/consult/pkg/engine/types"
)

// PGStore backs sessions and document search with Postgres. Document
// similarity goes through the match_documents SQL function so the ranking
// logic lives next to the pgvector index.
type PGStore struct {
	pool      *pgxpool.Pool
	threshold float64
}

func NewPGStore(pool *pgxpool.Pool, matchThreshold float64) *PGStore {
	return &PGStore{pool: pool, threshold: matchThreshold}
}

func OpenPG(ctx context.Context, dsn string, matchThreshold float64) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPGStore(pool, matchThreshold), nil
}

func (s *PGStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *PGStore) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	const sessionQuery = `
		select id, user_id, coalesce(medical_profile, ''), status,
		       coalesce(metadata, '{}'::jsonb), created_at, updated_at, ended_at
		from conversation_sessions
		where id = $1`

	var (
		sess     types.Session
		metadata []byte
		endedAt  *time.Time
	)
	err := s.pool.QueryRow(ctx, sessionQuery, sessionID).Scan(
		&sess.ID, &sess.UserID, &sess.MedicalProfile, &sess.Status,
		&metadata, &sess.Metadata.CreatedAt, &sess.Metadata.UpdatedAt, &endedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	sess.Metadata.EndedAt = endedAt
	if len(metadata) > 0 {
		var meta struct {
			VoiceDisabled bool           `json:"voice_disabled"`
			Flags         map[string]any `json:"flags"`
		}
		if err := json.Unmarshal(metadata, &meta); err == nil {
			sess.Metadata.VoiceDisabled = meta.VoiceDisabled
			sess.Metadata.Flags = meta.Flags
		}
	}

	const messageQuery = `
		select id, type, content, coalesce(sources, '[]'::jsonb),
		       emergency_detected, rag_info, created_at
		from conversation_messages
		where session_id = $1
		order by created_at, id`

	rows, err := s.pool.Query(ctx, messageQuery, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", sessionID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg     types.Message
			sources []byte
			ragInfo []byte
		)
		if err := rows.Scan(&msg.ID, &msg.Type, &msg.Content, &sources, &msg.EmergencyDetected, &ragInfo, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(sources) > 0 {
			_ = json.Unmarshal(sources, &msg.Sources)
		}
		if len(ragInfo) > 0 {
			var info types.RAGInfo
			if err := json.Unmarshal(ragInfo, &info); err == nil {
				msg.RAGInfo = &info
			}
		}
		sess.History = append(sess.History, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages for %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (s *PGStore) AppendMessage(ctx context.Context, sessionID string, msg types.Message) error {
	sources, err := json.Marshal(msg.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	var ragInfo []byte
	if msg.RAGInfo != nil {
		ragInfo, err = json.Marshal(msg.RAGInfo)
		if err != nil {
			return fmt.Errorf("encode rag info: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		insert into conversation_messages
			(id, session_id, type, content, sources, emergency_detected, rag_info, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.Exec(ctx, insert, msg.ID, sessionID, msg.Type, msg.Content, sources, msg.EmergencyDetected, ragInfo, msg.Timestamp); err != nil {
		return fmt.Errorf("append message to %s: %w", sessionID, err)
	}

	tag, err := tx.Exec(ctx, `update conversation_sessions set updated_at = now() where id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (s *PGStore) SetStatus(ctx context.Context, sessionID string, status types.SessionStatus) error {
	const update = `
		update conversation_sessions
		set status = $2,
		    updated_at = now(),
		    ended_at = case when $2 = 'ended' then now() else ended_at end
		where id = $1`
	tag, err := s.pool.Exec(ctx, update, sessionID, status)
	if err != nil {
		return fmt.Errorf("set status of %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Search(ctx context.Context, userID string, embedding []float32, topK int) ([]types.ScoredDocument, error) {
	const query = `
		select id, filename, content, similarity
		from match_documents($1::vector, $2, $3, $4)`

	rows, err := s.pool.Query(ctx, query, vectorLiteral(embedding), s.threshold, topK, userID)
	if err != nil {
		return nil, fmt.Errorf("match documents: %w", err)
	}
	defer rows.Close()

	var out []types.ScoredDocument
	for rows.Next() {
		var doc types.ScoredDocument
		if err := rows.Scan(&doc.ID, &doc.Filename, &doc.Content, &doc.Similarity); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// vectorLiteral renders a pgvector input literal, e.g. "[0.1,0.2]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
