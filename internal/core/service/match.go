package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vibelink/callcore/internal/core/domain"
	"github.com/vibelink/callcore/internal/core/port"
)

// MatchService publishes the local user's availability and pairs them with
// another available user. Matching is pull based and stateless between
// calls: there is no queue and no lock, coordination happens entirely
// through status flags in the session table.
type MatchService struct {
	sessions port.SessionRepository
}

func NewMatchService(sessions port.SessionRepository) *MatchService {
	return &MatchService{sessions: sessions}
}

// SetAvailability upserts the user's row with the given status. This is a
// hard reset, not a merge: any pairing data on the row is cleared even if
// the user was mid-pairing.
func (s *MatchService) SetAvailability(ctx context.Context, userID domain.UserID, status domain.Status) error {
	if err := s.sessions.Upsert(ctx, domain.NewSession(userID, status)); err != nil {
		return &domain.StorageError{Op: "set availability", Err: err}
	}
	return nil
}

// FindMatch marks the caller available and tries to claim one other
// available user. It returns (nil, nil) when nobody is available, leaving
// the caller's row discoverable by other matchers.
//
// A hit writes both rows busy as two independent updates. A concurrent
// matcher can observe and claim the same candidate between them; the second
// writer silently wins per row, which the table does not detect.
func (s *MatchService) FindMatch(ctx context.Context, userID domain.UserID) (*domain.MatchResult, error) {
	if err := s.SetAvailability(ctx, userID, domain.StatusAvailable); err != nil {
		return nil, &domain.MatchError{Err: err}
	}

	peer, err := s.sessions.FindAvailable(ctx, userID)
	if errors.Is(err, domain.ErrNoCandidate) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.MatchError{Err: &domain.StorageError{Op: "find candidate", Err: err}}
	}

	channel := domain.NewChannelName()
	if err := s.pair(ctx, userID, peer.UserID, channel); err != nil {
		return nil, &domain.MatchError{Err: err}
	}

	log.Info().
		Str("user_id", userID.String()).
		Str("peer_id", peer.UserID.String()).
		Str("channel", channel).
		Msg("Matched users")

	return &domain.MatchResult{
		Peer:     peer,
		Channel:  channel,
		LocalUID: domain.NewLocalUID(),
	}, nil
}

func (s *MatchService) pair(ctx context.Context, a, b domain.UserID, channel string) error {
	now := time.Now().UTC()
	rows := []domain.CallSession{
		{UserID: a, Status: domain.StatusBusy, ChannelName: channel, MatchedWith: b, UpdatedAt: now},
		{UserID: b, Status: domain.StatusBusy, ChannelName: channel, MatchedWith: a, UpdatedAt: now},
	}
	for _, row := range rows {
		if err := s.sessions.Upsert(ctx, row); err != nil {
			return &domain.StorageError{Op: "pair", Err: err}
		}
	}
	return nil
}

// ClearPairing deletes the rows of a pairing that will never be used, such
// as one claimed by a search that was torn down while the claim was in
// flight. Unlike EndCall it does not consult the table: it removes exactly
// the two rows the pairing wrote, even if one has since been overwritten.
func (s *MatchService) ClearPairing(ctx context.Context, a, b domain.UserID) error {
	errs := make([]error, 0, 2)
	for _, id := range []domain.UserID{a, b} {
		if id.IsZero() {
			continue
		}
		if err := s.sessions.Delete(ctx, id); err != nil {
			errs = append(errs, &domain.StorageError{Op: "clear pairing", Err: err})
		}
	}
	return errors.Join(errs...)
}

// EndCall deletes the caller's row and, when the row records a peer, the
// peer's row too. Every step is attempted even if an earlier one fails.
func (s *MatchService) EndCall(ctx context.Context, userID domain.UserID) error {
	var peerID domain.UserID

	row, err := s.sessions.Get(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// Nothing recorded, still try the delete below in case the read
		// raced a concurrent write.
	case err != nil:
		log.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to read session on call end")
	default:
		peerID = row.MatchedWith
	}

	errs := make([]error, 0, 2)
	if err := s.sessions.Delete(ctx, userID); err != nil {
		errs = append(errs, &domain.StorageError{Op: "delete own session", Err: err})
	}
	if !peerID.IsZero() {
		if err := s.sessions.Delete(ctx, peerID); err != nil {
			errs = append(errs, &domain.StorageError{Op: "delete peer session", Err: err})
		}
	}
	return errors.Join(errs...)
}
