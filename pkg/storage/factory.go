package storage

import (
	"fmt"
	"io"

	"github.com/absmach/fedsync/pkg/checkpoint"
	"github.com/absmach/fedsync/pkg/storage/badger"
	"github.com/absmach/fedsync/pkg/storage/postgres"
	"github.com/absmach/fedsync/pkg/storage/sqlite"
)

type Config struct {
	Type string `env:"FEDSYNC_STORAGE_TYPE" envDefault:"memory"`

	PostgresHost    string `env:"FEDSYNC_POSTGRES_HOST"    envDefault:"localhost"`
	PostgresPort    string `env:"FEDSYNC_POSTGRES_PORT"    envDefault:"5432"`
	PostgresUser    string `env:"FEDSYNC_POSTGRES_USER"    envDefault:"fedsync"`
	PostgresPass    string `env:"FEDSYNC_POSTGRES_PASS"    envDefault:"fedsync"`
	PostgresDB      string `env:"FEDSYNC_POSTGRES_DB"      envDefault:"fedsync"`
	PostgresSSLMode string `env:"FEDSYNC_POSTGRES_SSLMODE" envDefault:"disable"`

	SQLitePath string `env:"FEDSYNC_SQLITE_PATH" envDefault:"./fedsync.db"`

	BadgerPath string `env:"FEDSYNC_BADGER_PATH" envDefault:"./data/badger"`
}

type Repositories struct {
	Checkpoints checkpoint.Repository
	// Closer closes the underlying persistent storage connection.
	// It is nil for the in-memory backend.
	Closer io.Closer
}

func NewRepositories(cfg Config) (*Repositories, error) {
	switch cfg.Type {
	case "postgres":
		return newPostgresRepositories(cfg)
	case "sqlite":
		return newSQLiteRepositories(cfg)
	case "badger":
		return newBadgerRepositories(cfg)
	case "memory", "":
		return newMemoryRepositories(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, cfg.Type)
	}
}

func newPostgresRepositories(cfg Config) (*Repositories, error) {
	db, err := postgres.NewDatabase(
		cfg.PostgresHost,
		cfg.PostgresPort,
		cfg.PostgresUser,
		cfg.PostgresPass,
		cfg.PostgresDB,
		cfg.PostgresSSLMode,
	)
	if err != nil {
		return nil, err
	}

	return &Repositories{
		Checkpoints: postgres.NewRepositories(db).Checkpoints,
		Closer:      db,
	}, nil
}

func newSQLiteRepositories(cfg Config) (*Repositories, error) {
	db, err := sqlite.NewDatabase(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	return &Repositories{
		Checkpoints: sqlite.NewRepositories(db).Checkpoints,
		Closer:      db,
	}, nil
}

func newBadgerRepositories(cfg Config) (*Repositories, error) {
	db, err := badger.NewDatabase(cfg.BadgerPath)
	if err != nil {
		return nil, err
	}

	return &Repositories{
		Checkpoints: badger.NewRepositories(db).Checkpoints,
		Closer:      db,
	}, nil
}

func newMemoryRepositories() *Repositories {
	return &Repositories{
		Checkpoints: newMemoryCheckpointRepository(NewInMemoryStorage()),
	}
}
