package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/vibelink/callcore/internal/core/domain"
)

// SessionRepository stores session rows in the video_call_sessions table and
// joins profiles for the candidate projection. Pairing is two independent
// UPDATEs by design; no transaction wraps them (see the matcher).
type SessionRepository struct {
	db *sqlx.DB
}

func Open(dsn string) (*SessionRepository, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &SessionRepository{db: db}, nil
}

func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Close() error {
	return r.db.Close()
}

type sessionRow struct {
	UserID      string         `db:"user_id"`
	Status      string         `db:"status"`
	ChannelName sql.NullString `db:"channel_name"`
	MatchedWith sql.NullString `db:"matched_with"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r *SessionRepository) Get(ctx context.Context, id domain.UserID) (domain.CallSession, error) {
	const q = `
		SELECT user_id, status, channel_name, matched_with, updated_at
		FROM video_call_sessions
		WHERE user_id = $1`

	var row sessionRow
	if err := r.db.GetContext(ctx, &row, q, id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CallSession{}, domain.ErrNotFound
		}
		return domain.CallSession{}, err
	}
	return row.toDomain()
}

func (r *SessionRepository) Upsert(ctx context.Context, s domain.CallSession) error {
	const q = `
		INSERT INTO video_call_sessions (user_id, status, channel_name, matched_with, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, '')::uuid, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			status       = EXCLUDED.status,
			channel_name = EXCLUDED.channel_name,
			matched_with = EXCLUDED.matched_with,
			updated_at   = EXCLUDED.updated_at`

	matchedWith := ""
	if !s.MatchedWith.IsZero() {
		matchedWith = s.MatchedWith.String()
	}
	_, err := r.db.ExecContext(ctx, q, s.UserID.String(), string(s.Status), s.ChannelName, matchedWith, s.UpdatedAt)
	return err
}

func (r *SessionRepository) FindAvailable(ctx context.Context, exclude domain.UserID) (domain.Profile, error) {
	const q = `
		SELECT s.user_id, p.username, COALESCE(p.avatar_url, '') AS avatar_url
		FROM video_call_sessions s
		JOIN profiles p ON p.id = s.user_id
		WHERE s.status = 'available' AND s.user_id <> $1
		LIMIT 1`

	var row struct {
		UserID    string `db:"user_id"`
		Username  string `db:"username"`
		AvatarURL string `db:"avatar_url"`
	}
	if err := r.db.GetContext(ctx, &row, q, exclude.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Profile{}, domain.ErrNoCandidate
		}
		return domain.Profile{}, err
	}

	id, err := domain.ParseUserID(row.UserID)
	if err != nil {
		return domain.Profile{}, err
	}
	return domain.Profile{UserID: id, Username: row.Username, AvatarURL: row.AvatarURL}, nil
}

func (r *SessionRepository) Delete(ctx context.Context, id domain.UserID) error {
	const q = `DELETE FROM video_call_sessions WHERE user_id = $1`
	_, err := r.db.ExecContext(ctx, q, id.String())
	return err
}

func (row sessionRow) toDomain() (domain.CallSession, error) {
	id, err := domain.ParseUserID(row.UserID)
	if err != nil {
		return domain.CallSession{}, err
	}
	s := domain.CallSession{
		UserID:      id,
		Status:      domain.Status(row.Status),
		ChannelName: row.ChannelName.String,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.MatchedWith.Valid && row.MatchedWith.String != "" {
		peer, err := domain.ParseUserID(row.MatchedWith.String)
		if err != nil {
			return domain.CallSession{}, err
		}
		s.MatchedWith = peer
	}
	return s, nil
}
