package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/arena/internal/playerdata"
)

// PlayerDataRepository persists player profiles as JSONB. It implements
// playerdata.Store.
type PlayerDataRepository struct {
	db *pgxpool.Pool
}

// NewPlayerDataRepository creates a PlayerDataRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewPlayerDataRepository(db *pgxpool.Pool) *PlayerDataRepository {
	return &PlayerDataRepository{db: db}
}

// Load returns the stored profile for player.
//
// Precondition: player must be non-empty.
// Postcondition: Returns the profile folder named player, or playerdata.ErrProfileNotFound.
func (r *PlayerDataRepository) Load(ctx context.Context, player string) (*playerdata.Node, error) {
	var raw []byte
	err := r.db.QueryRow(ctx,
		`SELECT profile FROM player_data WHERE player = $1`, player,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, playerdata.ErrProfileNotFound
		}
		return nil, fmt.Errorf("loading player data for %s: %w", player, err)
	}
	node, err := playerdata.UnmarshalNode(player, raw)
	if err != nil {
		return nil, fmt.Errorf("decoding player data for %s: %w", player, err)
	}
	return node, nil
}

// Save upserts the profile for player and returns the stored timestamp.
//
// Precondition: profile must be a folder.
// Postcondition: The row for player holds profile.
func (r *PlayerDataRepository) Save(ctx context.Context, player string, profile *playerdata.Node) (time.Time, error) {
	if profile.Kind != playerdata.KindFolder {
		return time.Time{}, fmt.Errorf("saving player data for %s: profile is a %s", player, profile.Kind)
	}
	raw, err := profile.MarshalJSON()
	if err != nil {
		return time.Time{}, fmt.Errorf("encoding player data for %s: %w", player, err)
	}
	var updated time.Time
	err = r.db.QueryRow(ctx, `
		INSERT INTO player_data (player, profile)
		VALUES ($1, $2)
		ON CONFLICT (player) DO UPDATE SET profile = EXCLUDED.profile, updated_at = NOW()
		RETURNING updated_at`,
		player, raw,
	).Scan(&updated)
	if err != nil {
		return time.Time{}, fmt.Errorf("saving player data for %s: %w", player, err)
	}
	return updated, nil
}

// Delete removes the stored profile for player. Deleting a missing row is not an error.
func (r *PlayerDataRepository) Delete(ctx context.Context, player string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM player_data WHERE player = $1`, player); err != nil {
		return fmt.Errorf("deleting player data for %s: %w", player, err)
	}
	return nil
}
