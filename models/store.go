package models

import (
	"context"
	"errors"

	"github.com/rsmtech/servicereport_backend/utils"
	"gorm.io/gorm"
)

// Store is the MySQL-backed Repository.
type Store struct {
	DB *gorm.DB
}

var _ Repository = (*Store)(nil)

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) db(ctx context.Context) *gorm.DB {
	return s.DB.WithContext(ctx)
}

// notFoundOr maps gorm.ErrRecordNotFound to a NotFound error and leaves the rest alone.
func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.NotFound(format, args...)
	}
	return err
}
