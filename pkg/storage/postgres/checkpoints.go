package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fedsync/pkg/checkpoint"
	pkgerrors "github.com/absmach/fedsync/pkg/errors"
)

type checkpointRepo struct {
	db *Database
}

func NewCheckpointRepository(db *Database) checkpoint.Repository {
	return &checkpointRepo{db: db}
}

type dbCheckpoint struct {
	NodeID    string    `db:"node_id"`
	Round     uint64    `db:"round"`
	Params    []byte    `db:"params"`
	Epoch     []byte    `db:"epoch"`
	Local     []byte    `db:"local"`
	Loss      float64   `db:"loss"`
	CreatedAt time.Time `db:"created_at"`
}

const checkpointColumns = `node_id, round, params, epoch, local, loss, created_at`

func (r *checkpointRepo) Save(ctx context.Context, c checkpoint.Checkpoint) error {
	if c.NodeID == "" {
		return pkgerrors.ErrEmptyKey
	}

	dbc, err := toDBCheckpoint(c)
	if err != nil {
		return err
	}

	query := `INSERT INTO checkpoints (` + checkpointColumns + `)
		VALUES (:node_id, :round, :params, :epoch, :local, :loss, :created_at)
		ON CONFLICT (node_id, round) DO UPDATE SET
			params = excluded.params,
			epoch = excluded.epoch,
			local = excluded.local,
			loss = excluded.loss,
			created_at = excluded.created_at`

	if _, err := r.db.NamedExecContext(ctx, query, dbc); err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}

	return nil
}

func (r *checkpointRepo) Latest(ctx context.Context, nodeID string) (checkpoint.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE node_id = $1 ORDER BY round DESC LIMIT 1`

	var dbc dbCheckpoint
	if err := r.db.GetContext(ctx, &dbc, query, nodeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.Checkpoint{}, ErrNotFound
		}

		return checkpoint.Checkpoint{}, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	return fromDBCheckpoint(dbc)
}

func (r *checkpointRepo) List(ctx context.Context, nodeID string, offset, limit uint64) ([]checkpoint.Checkpoint, uint64, error) {
	var total uint64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM checkpoints WHERE node_id = $1`, nodeID); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE node_id = $1 ORDER BY round ASC LIMIT $2 OFFSET $3`

	var rows []dbCheckpoint
	if err := r.db.SelectContext(ctx, &rows, query, nodeID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	cs := make([]checkpoint.Checkpoint, 0, len(rows))
	for _, row := range rows {
		c, err := fromDBCheckpoint(row)
		if err != nil {
			return nil, 0, err
		}
		cs = append(cs, c)
	}

	return cs, total, nil
}

func (r *checkpointRepo) Delete(ctx context.Context, nodeID string, round uint64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE node_id = $1 AND round = $2`, nodeID, round); err != nil {
		return fmt.Errorf("%w: %w", ErrDelete, err)
	}

	return nil
}

func toDBCheckpoint(c checkpoint.Checkpoint) (dbCheckpoint, error) {
	params, err := json.Marshal(c.Params)
	if err != nil {
		return dbCheckpoint{}, fmt.Errorf("marshal error: %w", err)
	}
	epoch, err := json.Marshal(c.Epoch)
	if err != nil {
		return dbCheckpoint{}, fmt.Errorf("marshal error: %w", err)
	}
	local, err := json.Marshal(c.Local)
	if err != nil {
		return dbCheckpoint{}, fmt.Errorf("marshal error: %w", err)
	}

	return dbCheckpoint{
		NodeID:    c.NodeID,
		Round:     c.Round,
		Params:    params,
		Epoch:     epoch,
		Local:     local,
		Loss:      c.Loss,
		CreatedAt: c.CreatedAt,
	}, nil
}

func fromDBCheckpoint(dbc dbCheckpoint) (checkpoint.Checkpoint, error) {
	c := checkpoint.Checkpoint{
		NodeID:    dbc.NodeID,
		Round:     dbc.Round,
		Loss:      dbc.Loss,
		CreatedAt: dbc.CreatedAt,
	}
	if err := json.Unmarshal(dbc.Params, &c.Params); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("unmarshal error: %w", err)
	}
	if err := json.Unmarshal(dbc.Epoch, &c.Epoch); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("unmarshal error: %w", err)
	}
	if err := json.Unmarshal(dbc.Local, &c.Local); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("unmarshal error: %w", err)
	}

	return c, nil
}
