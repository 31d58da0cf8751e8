package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shineum/mail-dispatch/internal/profile"
)

// Profiles implements profile.Store on the profiles table.
type Profiles struct {
	s *Store
}

// Profiles returns the profile view of the Store.
func (s *Store) Profiles() *Profiles {
	return &Profiles{s: s}
}

var _ profile.Store = (*Profiles)(nil)

// Get implements profile.Store.
func (p *Profiles) Get(ctx context.Context, userID string) (*profile.Profile, error) {
	return getProfile(p.s.db.WithContext(ctx), userID)
}

// Save inserts or replaces a profile.
func (p *Profiles) Save(ctx context.Context, pr profile.Profile) error {
	row := profileRow{
		UserID:           pr.UserID,
		Email:            pr.Email,
		Role:             string(pr.Role),
		FromAddress:      pr.FromAddress,
		SignatureHTML:    pr.SignatureHTML,
		SignatureEnabled: pr.SignatureEnabled,
	}
	err := p.s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save profile %s: %w", pr.UserID, err)
	}
	return nil
}

// UpdateSignature implements profile.Store.
func (p *Profiles) UpdateSignature(ctx context.Context, userID string, html *string, enabled *bool) (*profile.Profile, error) {
	var out *profile.Profile
	err := p.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := profileRow{UserID: userID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}

		updates := map[string]any{}
		if html != nil {
			updates["signature_html"] = *html
		}
		if enabled != nil {
			updates["signature_enabled"] = *enabled
		}
		if len(updates) > 0 {
			if err := tx.Model(&profileRow{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
				return err
			}
		}

		var err error
		out, err = getProfile(tx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update signature for %s: %w", userID, err)
	}
	return out, nil
}

func getProfile(db *gorm.DB, userID string) (*profile.Profile, error) {
	var row profileRow
	err := db.First(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, profile.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile %s: %w", userID, err)
	}
	return &profile.Profile{
		UserID:           row.UserID,
		Email:            row.Email,
		Role:             profile.Role(row.Role),
		FromAddress:      row.FromAddress,
		SignatureHTML:    row.SignatureHTML,
		SignatureEnabled: row.SignatureEnabled,
	}, nil
}
