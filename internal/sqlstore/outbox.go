package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/shineum/mail-dispatch/internal/outbox"
)

var _ outbox.Store = (*Store)(nil)

// Create implements outbox.Store.
func (s *Store) Create(ctx context.Context, msg *outbox.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = dbTime(msg.CreatedAt)
	msg.Status = outbox.StatusPending
	msg.Error = ""
	msg.SentAt = nil

	row := toMessageRow(msg)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// MarkSent implements outbox.Store.
func (s *Store) MarkSent(ctx context.Context, id string, sentAt time.Time, providerMessageID string) error {
	return s.finalize(ctx, id, map[string]any{
		"status":              string(outbox.StatusSent),
		"sent_at":             dbTime(sentAt),
		"provider_message_id": providerMessageID,
	})
}

// MarkFailed implements outbox.Store.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return s.finalize(ctx, id, map[string]any{
		"status": string(outbox.StatusFailed),
		"error":  outbox.FailureText(errMsg),
	})
}

// finalize applies updates only while the record is still PENDING.
func (s *Store) finalize(ctx context.Context, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&messageRow{}).
		Where("id = ? AND status = ?", id, string(outbox.StatusPending)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update message %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return outbox.ErrInvalidTransition
}

// Get implements outbox.Store.
func (s *Store) Get(ctx context.Context, id string) (*outbox.Message, error) {
	var row messageRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, outbox.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return fromMessageRow(&row), nil
}

// List implements outbox.Store.
func (s *Store) List(ctx context.Context, f outbox.Filter) ([]outbox.Message, int, error) {
	f = f.Normalize()

	var total int64
	if err := s.db.WithContext(ctx).Model(&messageRow{}).Scopes(byUser(f.UserID)).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	var rows []messageRow
	err := s.db.WithContext(ctx).Scopes(byUser(f.UserID)).
		Order("created_at DESC").Order("id DESC").
		Limit(f.Limit).Offset(f.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", err)
	}

	out := make([]outbox.Message, 0, len(rows))
	for i := range rows {
		out = append(out, *fromMessageRow(&rows[i]))
	}
	return out, int(total), nil
}

// Stats implements outbox.Store.
func (s *Store) Stats(ctx context.Context, userID string) (outbox.Stats, error) {
	var counts []struct {
		Status string
		N      int
	}
	err := s.db.WithContext(ctx).Model(&messageRow{}).Scopes(byUser(userID)).
		Select("status, count(*) AS n").Group("status").
		Scan(&counts).Error
	if err != nil {
		return outbox.Stats{}, fmt.Errorf("failed to count messages by status: %w", err)
	}

	var st outbox.Stats
	for _, c := range counts {
		st.Total += c.N
		switch outbox.Status(c.Status) {
		case outbox.StatusSent:
			st.Sent = c.N
		case outbox.StatusFailed:
			st.Failed = c.N
		case outbox.StatusPending:
			st.Pending = c.N
		}
	}
	return st, nil
}

func byUser(userID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if userID == "" {
			return db
		}
		return db.Where("user_id = ?", userID)
	}
}

func toMessageRow(m *outbox.Message) messageRow {
	return messageRow{
		ID:                m.ID,
		UserID:            m.UserID,
		FromAddress:       m.From,
		ReplyTo:           m.ReplyTo,
		ToAddresses:       m.To,
		CcAddresses:       m.Cc,
		BccAddresses:      m.Bcc,
		Subject:           m.Subject,
		BodyHTML:          m.BodyHTML,
		BodyText:          m.BodyText,
		Attachments:       m.Attachments,
		InReplyTo:         m.InReplyTo,
		References:        m.References,
		IsReply:           m.IsReply,
		Status:            string(m.Status),
		Error:             m.Error,
		ProviderMessageID: m.ProviderMessageID,
		CreatedAt:         m.CreatedAt,
		SentAt:            m.SentAt,
	}
}

func fromMessageRow(r *messageRow) *outbox.Message {
	m := &outbox.Message{
		ID:                r.ID,
		UserID:            r.UserID,
		From:              r.FromAddress,
		ReplyTo:           r.ReplyTo,
		To:                r.ToAddresses,
		Cc:                r.CcAddresses,
		Bcc:               r.BccAddresses,
		Subject:           r.Subject,
		BodyHTML:          r.BodyHTML,
		BodyText:          r.BodyText,
		Attachments:       r.Attachments,
		InReplyTo:         r.InReplyTo,
		References:        r.References,
		IsReply:           r.IsReply,
		Status:            outbox.Status(r.Status),
		Error:             r.Error,
		ProviderMessageID: r.ProviderMessageID,
		CreatedAt:         r.CreatedAt.UTC(),
	}
	if r.SentAt != nil {
		t := r.SentAt.UTC()
		m.SentAt = &t
	}
	return m
}
