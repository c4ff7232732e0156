package pgstore

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/spounge-ai/keypool/pkg/keypool"
)

// scanKey reads one row selected with keyColumns.
func scanKey(row pgx.Row) (*keypool.Key, error) {
	var (
		key keypool.Key
		id  uuid.UUID
	)

	err := row.Scan(
		&id,
		&key.OwnerID,
		&key.Secret,
		&key.Uses,
		&key.Domains,
		&key.LastUsed,
		&key.CooldownUntil,
		&key.Flag,
		&key.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	key.ID = keypool.KeyIDFromUUID(id)
	if key.Domains == nil {
		key.Domains = []keypool.Domain{}
	}
	return &key, nil
}

func collectKey(row pgx.CollectableRow) (*keypool.Key, error) {
	return scanKey(row)
}
