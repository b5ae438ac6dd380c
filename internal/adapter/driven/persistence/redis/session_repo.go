package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vibelink/callcore/internal/core/domain"
)

const (
	sessionKeyPrefix = "callsession:"
	profileKeyPrefix = "profile:"
	availableSetKey  = "callsessions:available"
)

// SessionRepository keeps one hash per session row plus a set of currently
// available users for candidate lookup. Like the relational store it offers
// no cross-row atomicity: pairing remains two independent writes.
type SessionRepository struct {
	client redis.UniversalClient
}

func Open(url string) (*SessionRepository, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &SessionRepository{client: client}, nil
}

func NewSessionRepository(client redis.UniversalClient) *SessionRepository {
	return &SessionRepository{client: client}
}

func (r *SessionRepository) Close() error {
	return r.client.Close()
}

// PutProfile stores the profile projection served to matched candidates.
func (r *SessionRepository) PutProfile(ctx context.Context, p domain.Profile) error {
	return r.client.HSet(ctx, profileKeyPrefix+p.UserID.String(),
		"username", p.Username,
		"avatar_url", p.AvatarURL,
	).Err()
}

func (r *SessionRepository) Get(ctx context.Context, id domain.UserID) (domain.CallSession, error) {
	fields, err := r.client.HGetAll(ctx, sessionKeyPrefix+id.String()).Result()
	if err != nil {
		return domain.CallSession{}, err
	}
	if len(fields) == 0 {
		return domain.CallSession{}, domain.ErrNotFound
	}

	s := domain.CallSession{
		UserID:      id,
		Status:      domain.Status(fields["status"]),
		ChannelName: fields["channel_name"],
	}
	if raw := fields["matched_with"]; raw != "" {
		peer, err := domain.ParseUserID(raw)
		if err != nil {
			return domain.CallSession{}, err
		}
		s.MatchedWith = peer
	}
	if raw := fields["updated_at"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			s.UpdatedAt = ts
		}
	}
	return s, nil
}

func (r *SessionRepository) Upsert(ctx context.Context, s domain.CallSession) error {
	matchedWith := ""
	if !s.MatchedWith.IsZero() {
		matchedWith = s.MatchedWith.String()
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, sessionKeyPrefix+s.UserID.String(),
		"status", string(s.Status),
		"channel_name", s.ChannelName,
		"matched_with", matchedWith,
		"updated_at", s.UpdatedAt.Format(time.RFC3339Nano),
	)
	if s.Status == domain.StatusAvailable {
		pipe.SAdd(ctx, availableSetKey, s.UserID.String())
	} else {
		pipe.SRem(ctx, availableSetKey, s.UserID.String())
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *SessionRepository) FindAvailable(ctx context.Context, exclude domain.UserID) (domain.Profile, error) {
	// Two random picks so a set containing only the caller still resolves to
	// no candidate rather than the caller itself.
	ids, err := r.client.SRandMemberN(ctx, availableSetKey, 2).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.Profile{}, err
	}

	for _, raw := range ids {
		if raw == exclude.String() {
			continue
		}
		id, err := domain.ParseUserID(raw)
		if err != nil {
			return domain.Profile{}, err
		}
		return r.profile(ctx, id)
	}
	return domain.Profile{}, domain.ErrNoCandidate
}

func (r *SessionRepository) Delete(ctx context.Context, id domain.UserID) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+id.String())
	pipe.SRem(ctx, availableSetKey, id.String())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *SessionRepository) profile(ctx context.Context, id domain.UserID) (domain.Profile, error) {
	fields, err := r.client.HGetAll(ctx, profileKeyPrefix+id.String()).Result()
	if err != nil {
		return domain.Profile{}, err
	}
	return domain.Profile{
		UserID:    id,
		Username:  fields["username"],
		AvatarURL: fields["avatar_url"],
	}, nil
}
