package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// SnapshotStore persists the last known good price per token. It is the final
// fallback tier when every cache and external source comes up empty.
type SnapshotStore interface {
	Latest(ctx context.Context, address string) (*Quote, error)
	Upsert(ctx context.Context, quote *Quote) error
}

type PGSnapshotStore struct {
	pool *pgxpool.Pool
}

func NewPGSnapshotStore(pool *pgxpool.Pool) *PGSnapshotStore {
	return &PGSnapshotStore{pool: pool}
}

func (s *PGSnapshotStore) Latest(ctx context.Context, address string) (*Quote, error) {
	var price decimal.Decimal
	var source string
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx,
		"select price, source, updated_at from price_snapshots where token_address = $1",
		address,
	).Scan(&price, &source, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &Quote{
		Address:   address,
		Price:     price,
		Source:    source,
		FetchedAt: updatedAt,
	}, nil
}

func (s *PGSnapshotStore) Upsert(ctx context.Context, quote *Quote) error {
	_, err := s.pool.Exec(ctx, `
		insert into price_snapshots (token_address, price, source, updated_at)
		values ($1, $2, $3, $4)
		on conflict (token_address) do update
		set price = excluded.price, source = excluded.source, updated_at = excluded.updated_at
		where excluded.updated_at > price_snapshots.updated_at
	`, quote.Address, quote.Price, quote.Source, quote.FetchedAt)
	return err
}
