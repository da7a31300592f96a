// Package store implements the durable store adapter: the authoritative
// relational rows for users, channels, memberships, logins, and documents,
// plus rehydration of live document records on cache miss.
package store

import (
	"time"
)

// User is an authenticated account, upserted from the identity provider's
// profile on every login.
type User struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Email     string    `gorm:"uniqueIndex;size:255" json:"email"`
	Name      string    `gorm:"size:255" json:"name"`
	AvatarURL string    `gorm:"size:512" json:"avatarUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Channel is a named group of users with shared access to a document tree.
type Channel struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:255" json:"name"`
	CreatedBy string    `gorm:"size:64" json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChannelMember links users to channels.
type ChannelMember struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	ChannelID string    `gorm:"size:64;uniqueIndex:idx_channel_member" json:"channelId"`
	UserID    string    `gorm:"size:64;uniqueIndex:idx_channel_member" json:"userId"`
	CreatedAt time.Time `json:"joinedAt"`
}

// LoginRecord captures one login for auditing.
type LoginRecord struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"size:64;index"`
	Platform  string `gorm:"size:32"`
	IP        string `gorm:"size:64"`
	UserAgent string `gorm:"size:512"`
	CreatedAt time.Time
}

// DocumentRow is the authoritative row per document. Chunks and OpLog hold
// the JSON-encoded chunk snapshot and operation log; Content is the
// last-known rendered text kept for consumers that do not replay. The
// path key (channel_id, parent_id, name) is unique; a NULL parent denotes
// the channel root.
type DocumentRow struct {
	ID             string  `gorm:"primaryKey;size:64"`
	ChannelID      string  `gorm:"size:64;index;uniqueIndex:idx_doc_path"`
	ParentID       *string `gorm:"size:64;uniqueIndex:idx_doc_path"`
	Name           string  `gorm:"size:255;uniqueIndex:idx_doc_path"`
	Content        string  `gorm:"type:text"`
	Chunks         []byte  `gorm:"type:jsonb"`
	OpLog          []byte  `gorm:"type:jsonb"`
	Version        string  `gorm:"size:64"`
	IsDirectory    bool
	Status         int    `gorm:"index"`
	CreatedBy      string `gorm:"size:64"`
	LastSnapshotAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName keeps the historical table name.
func (DocumentRow) TableName() string {
	return "document_data"
}
