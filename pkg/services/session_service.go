package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/seekerlab/seeker/pkg/database"
	"github.com/seekerlab/seeker/pkg/models"
)

// SessionService persists MCP sessions so stateless HTTP clients can
// resume across restarts. A background sweep removes sessions idle past
// the TTL.
type SessionService struct {
	db *database.Client
}

// NewSessionService creates a new SessionService.
func NewSessionService(db *database.Client) *SessionService {
	return &SessionService{db: db}
}

// Create inserts a new session for a transport connection.
func (s *SessionService) Create(ctx context.Context, transport models.TransportKind, protocolVersion string, capabilities json.RawMessage, principal *string) (*models.Session, error) {
	session := &models.Session{
		ID:              uuid.New().String(),
		Transport:       transport,
		ProtocolVersion: protocolVersion,
		Capabilities:    capabilities,
		Principal:       principal,
		LastSeenAt:      time.Now(),
		CreatedAt:       time.Now(),
	}

	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO mcp_sessions (id, transport, protocol_version, capabilities, subscriptions, principal, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, '[]', $5, $6, $6)`,
		session.ID, session.Transport, session.ProtocolVersion, session.Capabilities, session.Principal, session.LastSeenAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return session, nil
}

// Get retrieves a session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	var subs []byte
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, transport, protocol_version, capabilities, subscriptions, principal, last_seen_at, created_at
		FROM mcp_sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.Transport, &sess.ProtocolVersion, &sess.Capabilities, &subs, &sess.Principal, &sess.LastSeenAt, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	if err := json.Unmarshal(subs, &sess.Subscriptions); err != nil {
		return nil, fmt.Errorf("decoding subscriptions for %s: %w", id, err)
	}
	return &sess, nil
}

// Touch updates last-seen so the sweep keeps the session alive.
func (s *SessionService) Touch(ctx context.Context, id string) error {
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE mcp_sessions SET last_seen_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", id, err)
	}
	return nil
}

// Subscribe adds a resource URI to the session's subscription set.
func (s *SessionService) Subscribe(ctx context.Context, id, uri string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE mcp_sessions
		SET subscriptions = CASE
			WHEN subscriptions @> to_jsonb($2::text) THEN subscriptions
			ELSE subscriptions || to_jsonb($2::text)
		END,
		last_seen_at = now()
		WHERE id = $1`,
		id, uri,
	)
	if err != nil {
		return fmt.Errorf("subscribing session %s to %s: %w", id, uri, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Unsubscribe removes a resource URI from the subscription set.
func (s *SessionService) Unsubscribe(ctx context.Context, id, uri string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE mcp_sessions
		SET subscriptions = subscriptions - $2, last_seen_at = now()
		WHERE id = $1`,
		id, uri,
	)
	if err != nil {
		return fmt.Errorf("unsubscribing session %s from %s: %w", id, uri, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a session (disconnect).
func (s *SessionService) Delete(ctx context.Context, id string) error {
	_, err := s.db.Pool().Exec(ctx,
		`DELETE FROM mcp_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// SweepExpired deletes sessions idle past the TTL. Idempotent; safe to
// run from every replica.
func (s *SessionService) SweepExpired(ctx context.Context, ttl time.Duration) (int, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tag, err := s.db.Pool().Exec(writeCtx,
		`DELETE FROM mcp_sessions WHERE last_seen_at < $1`,
		time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("sweeping expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SubscribersOf returns session ids subscribed to a resource URI, used
// for notifications/resources/updated fan-out.
func (s *SessionService) SubscribersOf(ctx context.Context, uri string) ([]string, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id FROM mcp_sessions
		WHERE subscriptions @> to_jsonb($1::text)`,
		uri,
	)
	if err != nil {
		return nil, fmt.Errorf("finding subscribers of %s: %w", uri, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning subscriber id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
