package sqlite

import (
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fedsync/pkg/checkpoint"
	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
)

var (
	ErrDBConnection = errors.New("database connection error")
	ErrDBQuery      = errors.New("database query error")
	ErrMigration    = errors.New("database migration error")
	ErrCreate       = errors.New("create error")
	ErrDelete       = errors.New("delete error")
	ErrNotFound     = pkgerrors.ErrNotFound
)

type Repositories struct {
	Checkpoints checkpoint.Repository
}

func NewRepositories(db *Database) *Repositories {
	return &Repositories{
		Checkpoints: NewCheckpointRepository(db),
	}
}

type Database struct {
	*sqlx.DB
}

func NewDatabase(path string) (*Database, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDBConnection, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	database := &Database{DB: db}

	if err := database.Migrate(); err != nil {
		return nil, err
	}

	return database, nil
}

func (db *Database) Migrate() error {
	migrations := &migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "1_create_checkpoints",
				Up: []string{
					`CREATE TABLE IF NOT EXISTS checkpoints (
						node_id TEXT NOT NULL,
						round INTEGER NOT NULL,
						params TEXT NOT NULL,
						epoch TEXT NOT NULL,
						local TEXT NOT NULL,
						loss REAL NOT NULL DEFAULT 0,
						created_at TIMESTAMP NOT NULL,
						PRIMARY KEY (node_id, round)
					)`,
				},
				Down: []string{
					`DROP TABLE IF EXISTS checkpoints`,
				},
			},
		},
	}

	if _, err := migrate.Exec(db.DB.DB, "sqlite3", migrations, migrate.Up); err != nil {
		return fmt.Errorf("%w: %w", ErrMigration, err)
	}

	return nil
}
