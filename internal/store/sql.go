package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parking-sync-backend/internal/model"
)

// gormStore keeps the document as one row of the state_documents table.
type gormStore struct {
	db  *gorm.DB
	key string
}

// NewGormStore creates a GORM-backed store for the document under key.
func NewGormStore(db *gorm.DB, key string) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database", ErrNotConfigured)
	}
	return &gormStore{db: db, key: key}, nil
}

func (s *gormStore) Get(ctx context.Context) (*model.StateEnvelope, error) {
	var doc model.StateDocument
	err := s.db.WithContext(ctx).Where(&model.StateDocument{Key: s.key}).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.DefaultEnvelope(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrUnavailable, s.key, err)
	}
	return decodeEnvelope([]byte(doc.Body), "sql:"+s.key), nil
}

func (s *gormStore) Set(ctx context.Context, env *model.StateEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	updatedAt := time.Now().UTC()
	if env.UpdatedAt != nil {
		updatedAt = env.UpdatedAt.UTC()
	}
	doc := model.StateDocument{
		Key:       s.key,
		Version:   env.Version,
		UpdatedAt: updatedAt,
		Body:      string(raw),
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "updated_at", "body"}),
	}).Create(&doc).Error; err != nil {
		return fmt.Errorf("%w: save %s: %v", ErrUnavailable, s.key, err)
	}
	return nil
}
