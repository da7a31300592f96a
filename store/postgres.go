package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"scribe.evalgo.org/common"
	"scribe.evalgo.org/crdt"
	"scribe.evalgo.org/document"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrNameConflict is returned when a unique name constraint is hit
	// (channel names, or the (channel, parent, name) document path).
	ErrNameConflict = errors.New("store: name already in use")

	// ErrStaleVersion is returned when a write-through does not strictly
	// exceed the stored version. The stored version is monotone.
	ErrStaleVersion = errors.New("store: stale version")
)

// Store is the durable store adapter backed by Postgres via gorm.
type Store struct {
	db    *gorm.DB
	alloc *crdt.Allocator
	log   *logrus.Entry
}

// Open connects to the durable store, configures the pool, and runs the
// automigrations. An unreachable store at startup is fatal to the caller.
func Open(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to durable store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&User{}, &Channel{}, &ChannelMember{}, &LoginRecord{}, &DocumentRow{}); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return &Store{
		db:    db,
		alloc: crdt.NewAllocator(),
		log:   common.ComponentLogger("store"),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- users ---

// UpsertUser creates or refreshes a user row from the identity provider's
// profile, keyed by email.
func (s *Store) UpsertUser(ctx context.Context, u *User) (*User, error) {
	var existing User
	err := s.db.WithContext(ctx).Where("email = ?", u.Email).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		return u, nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	updates := map[string]interface{}{"name": u.Name, "avatar_url": u.AvatarURL}
	if err := s.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	existing.Name = u.Name
	existing.AvatarURL = u.AvatarURL
	return &existing, nil
}

// GetUser loads one user.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// RecordLogin appends a login audit row.
func (s *Store) RecordLogin(ctx context.Context, rec *LoginRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// --- channels ---

// CreateChannel creates a channel and enrolls its creator.
func (s *Store) CreateChannel(ctx context.Context, ch *Channel) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ch).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrNameConflict
			}
			return err
		}
		return tx.Create(&ChannelMember{ChannelID: ch.ID, UserID: ch.CreatedBy}).Error
	})
}

// GetChannel loads one channel.
func (s *Store) GetChannel(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	if err := s.db.WithContext(ctx).First(&ch, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ch, nil
}

// ListChannels returns the channels the user belongs to.
func (s *Store) ListChannels(ctx context.Context, userID string) ([]Channel, error) {
	var channels []Channel
	err := s.db.WithContext(ctx).
		Joins("JOIN channel_members ON channel_members.channel_id = channels.id").
		Where("channel_members.user_id = ?", userID).
		Order("channels.created_at").
		Find(&channels).Error
	if err != nil {
		return nil, err
	}
	return channels, nil
}

// JoinChannel enrolls a user; joining twice is a no-op.
func (s *Store) JoinChannel(ctx context.Context, channelID, userID string) error {
	err := s.db.WithContext(ctx).Create(&ChannelMember{ChannelID: channelID, UserID: userID}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// QuitChannel removes a membership.
func (s *Store) QuitChannel(ctx context.Context, channelID, userID string) error {
	return s.db.WithContext(ctx).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Delete(&ChannelMember{}).Error
}

// IsMember reports whether the user belongs to the channel.
func (s *Store) IsMember(ctx context.Context, channelID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ChannelMember{}).
		Where("channel_id = ? AND user_id = ?", channelID, userID).
		Count(&count).Error
	return count > 0, err
}

// --- documents ---

// CreateDoc persists a new document row.
func (s *Store) CreateDoc(ctx context.Context, rec *document.Record) error {
	row, err := recordToRow(rec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrNameConflict
		}
		return err
	}
	return nil
}

// LoadDoc loads the full row and rehydrates it into a live record.
// Soft-deleted rows are returned with their status so the caller can evict.
func (s *Store) LoadDoc(ctx context.Context, id string) (*document.Record, error) {
	var row DocumentRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.rehydrate(&row)
}

// ListDocs returns the non-deleted documents of a channel.
func (s *Store) ListDocs(ctx context.Context, channelID string) ([]document.Meta, error) {
	var rows []DocumentRow
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND status <> ?", channelID, int(document.StatusDeleted)).
		Order("is_directory DESC, name").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	metas := make([]document.Meta, 0, len(rows))
	for i := range rows {
		version, err := crdt.ParseVersion(rows[i].Version)
		if err != nil {
			version = crdt.Version{}
		}
		metas = append(metas, document.Meta{
			ID:          rows[i].ID,
			ChannelID:   rows[i].ChannelID,
			ParentID:    rows[i].ParentID,
			Name:        rows[i].Name,
			IsDirectory: rows[i].IsDirectory,
			Status:      document.Status(rows[i].Status),
			CreatedBy:   rows[i].CreatedBy,
			Version:     version,
			CreatedAt:   rows[i].CreatedAt,
			UpdatedAt:   rows[i].UpdatedAt,
		})
	}
	return metas, nil
}

// ListDocIDs returns the ids of every non-deleted document, used by the
// startup prefetch.
func (s *Store) ListDocIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&DocumentRow{}).
		Where("status <> ?", int(document.StatusDeleted)).
		Pluck("id", &ids).Error
	return ids, err
}

// WriteThrough persists the live state of a document. The write only
// happens when the record's version strictly exceeds the stored version;
// anything else returns ErrStaleVersion and leaves the row untouched.
func (s *Store) WriteThrough(ctx context.Context, rec *document.Record) error {
	chunks, opLog, err := encodeState(rec)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row DocumentRow
		if err := tx.First(&row, "id = ?", rec.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		stored, err := crdt.ParseVersion(row.Version)
		if err != nil {
			stored = crdt.Version{}
		}
		if rec.Version.Compare(stored) <= 0 {
			return ErrStaleVersion
		}
		return tx.Model(&row).Updates(map[string]interface{}{
			"content": rec.Content,
			"chunks":  chunks,
			"op_log":  opLog,
			"version": rec.Version.String(),
		}).Error
	})
}

// Snapshot truncates the stored op log, adopts the current chunk list, and
// records the snapshot version and time. The caller bumps the version
// before calling.
func (s *Store) Snapshot(ctx context.Context, rec *document.Record, at time.Time) error {
	chunks, err := json.Marshal(rec.Chunks)
	if err != nil {
		return fmt.Errorf("failed to encode chunks: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&DocumentRow{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"content":          rec.Content,
			"chunks":           chunks,
			"op_log":           []byte("[]"),
			"version":          rec.Version.String(),
			"last_snapshot_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks the row deleted. The row survives for audit; the caller
// evicts the cache entry.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&DocumentRow{}).
		Where("id = ?", id).
		Update("status", int(document.StatusDeleted))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PathUpdate is a rename and/or move. A nil field leaves the attribute
// unchanged; MoveToRoot moves the document under the channel root.
type PathUpdate struct {
	Name       *string
	ParentID   *string
	MoveToRoot bool
}

// UpdatePath renames or moves a document, enforcing uniqueness of
// (channel, parent, name). Descendants reference directories by parent id,
// so moves and renames never cascade.
func (s *Store) UpdatePath(ctx context.Context, id string, upd PathUpdate) error {
	updates := map[string]interface{}{}
	if upd.Name != nil {
		updates["name"] = *upd.Name
	}
	if upd.MoveToRoot {
		updates["parent_id"] = nil
	} else if upd.ParentID != nil {
		updates["parent_id"] = *upd.ParentID
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&DocumentRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrNameConflict
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- encoding ---

func encodeState(rec *document.Record) (chunks, opLog []byte, err error) {
	chunks, err = json.Marshal(rec.Chunks)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode chunks: %w", err)
	}
	opLog, err = json.Marshal(rec.OpLog)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode op log: %w", err)
	}
	return chunks, opLog, nil
}

func recordToRow(rec *document.Record) (*DocumentRow, error) {
	chunks, opLog, err := encodeState(rec)
	if err != nil {
		return nil, err
	}
	status := rec.Status
	if status == document.StatusLocked {
		// Lock state is transient; rows only hold NORMAL or DELETED.
		status = document.StatusNormal
	}
	return &DocumentRow{
		ID:          rec.ID,
		ChannelID:   rec.ChannelID,
		ParentID:    rec.ParentID,
		Name:        rec.Name,
		Content:     rec.Content,
		Chunks:      chunks,
		OpLog:       opLog,
		Version:     rec.Version.String(),
		IsDirectory: rec.IsDirectory,
		Status:      int(status),
		CreatedBy:   rec.CreatedBy,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}
