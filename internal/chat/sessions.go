package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/lo"

	"pairchat/server/internal/apperror"
	"pairchat/server/internal/events"
	"pairchat/server/internal/models"
	"pairchat/server/internal/store"
)

// SessionView is a session as listed for one of its participants.
type SessionView struct {
	*models.Session
	Partner         models.UserResponse `json:"partner"`
	PartnerOnline   bool                `json:"partnerOnline"`
	PartnerPresence *models.Presence    `json:"partnerPresence,omitempty"`
	BlockedByMe     bool                `json:"blockedByMe"`
}

// CreateSession returns the one session between userID and partnerID,
// creating it on first contact.
func (s *Service) CreateSession(ctx context.Context, userID, partnerID int64) (*models.Session, bool, error) {
	if partnerID <= 0 {
		return nil, false, apperror.InvalidArg("partnerId is required")
	}
	if partnerID == userID {
		return nil, false, apperror.InvalidArg("cannot start a session with yourself")
	}
	if _, err := s.store.FindUser(ctx, partnerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, apperror.NotFound("user not found")
		}
		return nil, false, apperror.Unavailable("failed to load user", err)
	}

	sess, created, err := s.store.FindOrCreateSession(ctx, userID, partnerID)
	if err != nil {
		return nil, false, apperror.Unavailable("failed to create session", err)
	}
	if created {
		s.log.Info("session created", slog.Int64("session", sess.ID), slog.Int64("user1", sess.UserAID), slog.Int64("user2", sess.UserBID))
	}
	return sess, created, nil
}

// ListSessions returns the caller's sessions with the partner's profile and presence.
func (s *Service) ListSessions(ctx context.Context, userID int64) ([]SessionView, error) {
	sessions, err := s.store.ListSessionsForUser(ctx, userID)
	if err != nil {
		return nil, apperror.Unavailable("failed to list sessions", err)
	}

	views := make([]SessionView, 0, len(sessions))
	for i := range sessions {
		sess := &sessions[i]
		partnerID, _ := sess.Other(userID)
		view := SessionView{
			Session: sess,
			Partner: models.UserResponse{ID: partnerID},
		}
		if u, err := s.store.FindUser(ctx, partnerID); err == nil {
			view.Partner = u.ToResponse()
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, apperror.Unavailable("failed to load user", err)
		}
		if p, err := s.store.FindPresence(ctx, partnerID); err == nil {
			view.PartnerOnline = p.IsOnline
			view.PartnerPresence = p
		}
		if partnerID == sess.UserAID {
			view.BlockedByMe = sess.Block.UserB
		} else {
			view.BlockedByMe = sess.Block.UserA
		}
		views = append(views, view)
	}
	return views, nil
}

// Partners returns the distinct users that share a session with userID.
func (s *Service) Partners(ctx context.Context, userID int64) ([]int64, error) {
	sessions, err := s.store.ListSessionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := lo.FilterMap(sessions, func(sess models.Session, _ int) (int64, bool) {
		return sess.Other(userID)
	})
	return lo.Uniq(ids), nil
}

// Page is one page of history.
type Page struct {
	Messages []models.Message `json:"messages"`
	Page     int              `json:"page"`
	Limit    int              `json:"limit"`
	Total    int              `json:"total"`
	HasMore  bool             `json:"hasMore"`
}

// History returns the caller's view of a session, newest first. Messages the
// caller deleted for themselves are omitted. Reading is allowed while blocked.
func (s *Service) History(ctx context.Context, userID, sessionID int64, page, limit int) (*Page, error) {
	if _, err := s.loadSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	limit = min(limit, MaxPageLimit)

	msgs, total, err := s.store.ListMessages(ctx, store.MessageFilter{
		SessionID: sessionID,
		ViewerID:  userID,
		Limit:     limit,
		Offset:    (page - 1) * limit,
	})
	if err != nil {
		return nil, apperror.Unavailable("failed to load messages", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return &Page{
		Messages: msgs,
		Page:     page,
		Limit:    limit,
		Total:    total,
		HasMore:  page*limit < total,
	}, nil
}

// SetBlocked sets or clears the caller's block slot on a session.
func (s *Service) SetBlocked(ctx context.Context, userID, sessionID int64, blocked bool) (*models.Session, error) {
	sess, err := s.loadSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	block, _ := sess.WithBlock(userID, blocked)
	if block == sess.Block {
		return sess, nil
	}
	if err := s.store.SetBlock(ctx, sess.ID, block); err != nil {
		return nil, apperror.Unavailable("failed to update block", err)
	}
	sess.Block = block
	s.log.Info("session block changed", slog.Int64("session", sess.ID), slog.Int64("user", userID), slog.Bool("blocked", blocked))
	return sess, nil
}

// DeleteForUser hides a message from userID's history only.
func (s *Service) DeleteForUser(ctx context.Context, userID, messageID int64) error {
	msg, err := s.store.FindMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return apperror.NotFound("message not found")
	}
	if err != nil {
		return apperror.Unavailable("failed to load message", err)
	}
	if msg.SenderID != userID && msg.RecipientID != userID {
		return apperror.NotFound("message not found")
	}
	if err := s.store.DeleteMessageForUser(ctx, messageID, userID); err != nil {
		return apperror.Unavailable("failed to delete message", err)
	}
	return nil
}

// ClearSession removes every message of the session for both participants and
// tells the room the history is gone.
func (s *Service) ClearSession(ctx context.Context, userID, sessionID int64) (int64, error) {
	sess, err := s.loadSession(ctx, sessionID, userID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.ClearSession(ctx, sess.ID)
	if err != nil {
		return 0, apperror.Unavailable("failed to clear session", err)
	}
	s.pub.ToSession(sess.ID, events.New(events.SessionCleared, events.SessionPayload{SessionID: sess.ID}), "")
	s.log.Info("session cleared", slog.Int64("session", sess.ID), slog.Int64("by", userID), slog.Int64("removed", n))
	return n, nil
}
