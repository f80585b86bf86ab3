// Package chat implements the message lifecycle: sending, receipts, history
// and the per-session controls (block, clear, delete) around them.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"pairchat/server/internal/apperror"
	"pairchat/server/internal/events"
	"pairchat/server/internal/models"
	"pairchat/server/internal/store"
	"pairchat/server/internal/utils"
)

const (
	MaxBodyLength    = 4000
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// Store is the part of the persistence layer the engine uses.
type Store interface {
	store.UserStore
	store.SessionStore
	store.MessageStore
	FindPresence(ctx context.Context, userID int64) (*models.Presence, error)
}

type Service struct {
	store Store
	pub   events.Publisher
	log   *slog.Logger
	now   func() time.Time
}

func NewService(st Store, pub events.Publisher, log *slog.Logger) *Service {
	return &Service{
		store: st,
		pub:   pub,
		log:   log.With(slog.String("component", "chat")),
		now:   time.Now,
	}
}

// SendInput is one message:send request. OriginConnID is excluded from the
// message:new broadcast; the sender learns the outcome from its ack instead.
type SendInput struct {
	SessionID    int64
	SenderID     int64
	Body         string
	Kind         models.MessageKind
	ReplyTo      *int64
	ClientID     string
	OriginConnID string
}

func (in *SendInput) validate() error {
	if in.SessionID <= 0 {
		return apperror.InvalidArg("sessionId is required")
	}
	if in.Kind == "" {
		in.Kind = models.KindText
	}
	if !in.Kind.Valid() {
		return apperror.InvalidArg("kind must be text, image or file")
	}
	if strings.TrimSpace(in.Body) == "" {
		return apperror.InvalidArg("message body is required")
	}
	if utf8.RuneCountInString(in.Body) > MaxBodyLength {
		return apperror.InvalidArg("message body is too long")
	}
	if !utils.ValidateClientID(in.ClientID) {
		return apperror.InvalidArg("invalid clientId")
	}
	return nil
}

// loadSession returns the session if userID participates in it.
func (s *Service) loadSession(ctx context.Context, sessionID, userID int64) (*models.Session, error) {
	sess, err := s.store.FindSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.NotFound("session not found")
	}
	if err != nil {
		return nil, apperror.Unavailable("failed to load session", err)
	}
	if !sess.HasParticipant(userID) {
		return nil, apperror.PermissionDenied("you are not a participant in this session")
	}
	return sess, nil
}

// Send persists a message and, only once it is stored, broadcasts message:new
// to the session room. A repeated ClientID returns the stored message without
// a second broadcast. The bool result reports whether a new row was created.
func (s *Service) Send(ctx context.Context, in SendInput) (*models.Message, bool, error) {
	if err := in.validate(); err != nil {
		return nil, false, err
	}
	sess, err := s.loadSession(ctx, in.SessionID, in.SenderID)
	if err != nil {
		return nil, false, err
	}
	if sess.Blocked() {
		return nil, false, apperror.FailedPrecondition("this conversation is blocked")
	}
	recipient, _ := sess.Other(in.SenderID)

	if in.ReplyTo != nil {
		parent, err := s.store.FindMessage(ctx, *in.ReplyTo)
		if errors.Is(err, store.ErrNotFound) || (err == nil && parent.SessionID != sess.ID) {
			return nil, false, apperror.InvalidArg("replyTo must reference a message in this session")
		}
		if err != nil {
			return nil, false, apperror.Unavailable("failed to load reply target", err)
		}
	}

	msg := &models.Message{
		SessionID:   sess.ID,
		SenderID:    in.SenderID,
		RecipientID: recipient,
		Body:        in.Body,
		Kind:        in.Kind,
		Status:      models.StatusSent,
		ClientID:    in.ClientID,
		ReplyTo:     in.ReplyTo,
	}
	created, err := s.store.CreateMessage(ctx, msg)
	if err != nil {
		s.log.Error("failed to persist message",
			slog.Int64("session", sess.ID), slog.Int64("sender", in.SenderID), slog.Any("error", err))
		return nil, false, apperror.Unavailable("failed to send message", err)
	}
	if !created {
		s.log.Debug("duplicate send", slog.Int64("message", msg.ID), slog.String("clientId", in.ClientID))
		return msg, false, nil
	}

	if err := s.store.UpdateLastMessage(ctx, sess.ID, msg.ID, msg.CreatedAt); err != nil {
		// The message itself is stored; a lagging pointer only affects listings.
		s.log.Warn("failed to update last message", slog.Int64("session", sess.ID), slog.Any("error", err))
	}

	s.pub.ToSession(sess.ID, events.New(events.MessageNew, events.MessageNewPayload{Message: msg}), in.OriginConnID)
	return msg, true, nil
}

// MarkDelivered advances a message addressed to readerID from sent to delivered.
func (s *Service) MarkDelivered(ctx context.Context, readerID, messageID, sessionID int64) (*models.Message, error) {
	return s.advance(ctx, readerID, messageID, sessionID, models.StatusDelivered)
}

// MarkRead advances a message addressed to readerID to read.
func (s *Service) MarkRead(ctx context.Context, readerID, messageID, sessionID int64) (*models.Message, error) {
	return s.advance(ctx, readerID, messageID, sessionID, models.StatusRead)
}

// advance applies a forward status transition. The store performs the check
// and the write atomically, so concurrent receipts never move a status back
// and only the call that actually changed it notifies the sender.
func (s *Service) advance(ctx context.Context, readerID, messageID, sessionID int64, to models.MessageStatus) (*models.Message, error) {
	if messageID <= 0 {
		return nil, apperror.InvalidArg("messageId is required")
	}
	msg, err := s.store.FindMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.NotFound("message not found")
	}
	if err != nil {
		return nil, apperror.Unavailable("failed to load message", err)
	}
	if sessionID != 0 && msg.SessionID != sessionID {
		return nil, apperror.NotFound("message not found")
	}
	if msg.RecipientID != readerID {
		return nil, apperror.PermissionDenied("only the recipient can acknowledge a message")
	}

	updated, changed, err := s.store.AdvanceStatus(ctx, messageID, readerID, to, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.NotFound("message not found")
	}
	if err != nil {
		return nil, apperror.Unavailable("failed to update message status", err)
	}
	if !changed {
		return updated, nil
	}

	at := updated.UpdatedAt
	if to == models.StatusDelivered && updated.DeliveredAt != nil {
		at = *updated.DeliveredAt
	}
	if to == models.StatusRead && updated.ReadAt != nil {
		at = *updated.ReadAt
	}
	s.pub.ToUser(updated.SenderID, events.New(events.MessageStatus, events.MessageStatusPayload{
		MessageID: updated.ID,
		SessionID: updated.SessionID,
		ClientID:  updated.ClientID,
		Status:    updated.Status,
		Timestamp: at,
	}))
	return updated, nil
}

// ReadReceipt is the outcome of a bulk read.
type ReadReceipt struct {
	SessionID  int64     `json:"sessionId"`
	ReaderID   int64     `json:"readerId"`
	Count      int       `json:"count"`
	MessageIDs []int64   `json:"messageIds"`
	ReadAt     time.Time `json:"readAt"`
}

// MarkSessionRead marks every unread message addressed to readerID as read in
// one store call and sends a single session:read to the other participant.
func (s *Service) MarkSessionRead(ctx context.Context, sessionID, readerID int64) (*ReadReceipt, error) {
	sess, err := s.loadSession(ctx, sessionID, readerID)
	if err != nil {
		return nil, err
	}
	at := s.now()
	ids, err := s.store.MarkSessionRead(ctx, sess.ID, readerID, at)
	if err != nil {
		return nil, apperror.Unavailable("failed to mark messages as read", err)
	}
	if ids == nil {
		ids = []int64{}
	}
	receipt := &ReadReceipt{SessionID: sess.ID, ReaderID: readerID, Count: len(ids), MessageIDs: ids, ReadAt: at}
	if receipt.Count == 0 {
		return receipt, nil
	}
	other, _ := sess.Other(readerID)
	s.pub.ToUser(other, events.New(events.SessionRead, events.SessionReadPayload(*receipt)))
	return receipt, nil
}
