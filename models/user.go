package models

import (
	"time"

	"gorm.io/gorm"
)

// User is the owner of Sequences and Contacts. Registration, login, and the
// OAuth consent flow that populates GmailAccount are external collaborators
// — this engine only ever reads a User by id and reads its GmailAccount.
type User struct {
	gorm.Model

	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	IsActive bool   `gorm:"default:true" json:"is_active"`

	GmailAccount *GmailAccount `gorm:"foreignKey:UserID" json:"gmail_account,omitempty"`
}

// GmailAccount holds the OAuth tokens the Gmail client factory refreshes
// and consumes. Fields mirror the OAuth columns on the
// teacher's Sender model, generalized from "one of several provider
// credentials on a sender" to "the one Gmail account behind a user".
type GmailAccount struct {
	gorm.Model
	UserID uint `gorm:"not null;uniqueIndex" json:"user_id"`

	EmailAddress string `gorm:"not null;index" json:"email_address"`

	// Encrypted at rest with utils.Encrypt/Decrypt.
	AccessToken  string    `gorm:"column:access_token" json:"-"`
	RefreshToken string    `gorm:"column:refresh_token" json:"-"`
	TokenExpiry  time.Time `gorm:"column:token_expiry" json:"token_expiry"`

	// LastHistoryID is the last Gmail history id the inbound pipeline has
	// consumed for this account.
	LastHistoryID uint64 `gorm:"default:0" json:"last_history_id"`

	LastRefreshError *string    `json:"last_refresh_error,omitempty"`
	LastRefreshedAt  *time.Time `json:"last_refreshed_at,omitempty"`
}
