package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/s-Milo-s/dexflow/internal/models"
)

// ListActivePools returns active pools ordered so the pool that has waited
// longest for ingestion runs first. Never-started pools sort ahead of all.
func (r *Repository) ListActivePools(ctx context.Context) ([]models.Pool, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, chain, dex, pair, address, active, last_started
		FROM pools
		WHERE active = TRUE
		ORDER BY last_started ASC NULLS FIRST`)
	if err != nil {
		return nil, fmt.Errorf("list active pools: %w", err)
	}
	defer rows.Close()

	var pools []models.Pool
	for rows.Next() {
		var p models.Pool
		if err := rows.Scan(&p.ID, &p.Chain, &p.Dex, &p.Pair, &p.Address, &p.Active, &p.LastStarted); err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// GetPoolByAddress looks one pool up by its (unique) contract address.
func (r *Repository) GetPoolByAddress(ctx context.Context, address string) (*models.Pool, error) {
	var p models.Pool
	err := r.db.QueryRow(ctx, `
		SELECT id, chain, dex, pair, address, active, last_started
		FROM pools
		WHERE address = $1`, address).
		Scan(&p.ID, &p.Chain, &p.Dex, &p.Pair, &p.Address, &p.Active, &p.LastStarted)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", address, err)
	}
	return &p, nil
}

// TouchLastStarted stamps the scheduler enqueue time on a pool.
func (r *Repository) TouchLastStarted(ctx context.Context, poolID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE pools SET last_started = NOW() WHERE id = $1`, poolID)
	if err != nil {
		return fmt.Errorf("touch last_started for pool %d: %w", poolID, err)
	}
	return nil
}
