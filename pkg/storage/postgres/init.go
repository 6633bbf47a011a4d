package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fedsync/pkg/checkpoint"
	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
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

func NewDatabase(host, port, user, pass, name, sslMode string) (*Database, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s", host, port, user, pass, name, sslMode)
	db, err := sqlx.Connect("pgx", dsn)
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
						node_id VARCHAR(255) NOT NULL,
						round BIGINT NOT NULL,
						params JSONB NOT NULL,
						epoch JSONB NOT NULL,
						local JSONB NOT NULL,
						loss DOUBLE PRECISION NOT NULL DEFAULT 0,
						created_at TIMESTAMPTZ NOT NULL,
						PRIMARY KEY (node_id, round)
					)`,
				},
				Down: []string{
					`DROP TABLE IF EXISTS checkpoints`,
				},
			},
		},
	}

	if _, err := migrate.Exec(db.DB.DB, "postgres", migrations, migrate.Up); err != nil {
		return fmt.Errorf("%w: %w", ErrMigration, err)
	}

	return nil
}
