package store

import (
	"fmt"

	"gorm.io/gorm"

	"parking-sync-backend/config"
)

// New builds the store selected by cfg. db is only needed by the sql backend.
func New(cfg config.StoreConfig, db *gorm.DB) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case config.BackendFile:
		s, err = NewFileStore(cfg.FilePath)
	case config.BackendKV:
		s, err = NewKVStore(cfg.KVURL, cfg.KVToken, cfg.Key, cfg.Timeout)
	case config.BackendSQL:
		s, err = NewGormStore(db, cfg.Key)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrNotConfigured, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheTTL > 0 {
		s = NewCachedStore(s, cfg.CacheTTL)
	}
	return s, nil
}
