// Package postgres implements profile.Updater on Postgres through gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/3leaps/vidgen/pkg/profile"
)

// UserProfileField is one field value on a user's profile.
type UserProfileField struct {
	UserID    string    `gorm:"column:user_id;primaryKey;type:varchar(128)"`
	Field     string    `gorm:"column:field;primaryKey;type:varchar(64)"`
	Value     string    `gorm:"column:value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (UserProfileField) TableName() string { return "user_profile_fields" }

// Store is a Postgres-backed profile field store.
type Store struct {
	db *gorm.DB
}

var _ profile.Updater = (*Store)(nil)

// Open connects with dsn and migrates the table.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}
	s := &Store{db: db}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := db.WithContext(ctx).AutoMigrate(&UserProfileField{}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate profile store: %w", err)
	}
	return s, nil
}

// New wraps an existing gorm connection. The table must already exist.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// UpdateUserField upserts one whitelisted field.
func (s *Store) UpdateUserField(ctx context.Context, userID, field, value string) error {
	if err := profile.CheckField(userID, field); err != nil {
		return err
	}
	row := UserProfileField{UserID: userID, Field: field, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "field"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("update profile %s.%s: %w", userID, field, err)
	}
	return nil
}

// Field returns the stored value, or "" and false when unset.
func (s *Store) Field(ctx context.Context, userID, field string) (string, bool, error) {
	var row UserProfileField
	err := s.db.WithContext(ctx).Where("user_id = ? AND field = ?", userID, field).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read profile %s.%s: %w", userID, field, err)
	}
	return row.Value, true, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("profile store handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping profile store: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
