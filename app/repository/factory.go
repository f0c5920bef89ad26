package repository

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

// Factory owns the database handle and builds the repositories once.
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

func NewFactory(db *gorm.DB) *Factory {
	return &Factory{db: db}
}

// GetRepositories returns the shared repository set.
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}

// DB exposes the handle for packages that keep their own repositories
// (billing).
func (f *Factory) DB() *gorm.DB {
	return f.db
}

// Ping checks the underlying connection pool.
func (f *Factory) Ping(ctx context.Context) error {
	sqlDB, err := f.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

var (
	globalFactory *Factory
	factoryOnce   sync.Once
)

// InitializeFactory sets the process-wide factory; later calls are no-ops.
func InitializeFactory(db *gorm.DB) {
	factoryOnce.Do(func() {
		globalFactory = NewFactory(db)
	})
}

// GetGlobalFactory panics when InitializeFactory was not called.
func GetGlobalFactory() *Factory {
	if globalFactory == nil {
		panic("repository factory not initialized, call InitializeFactory first")
	}
	return globalFactory
}
