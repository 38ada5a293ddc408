package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Tx is the write surface available inside one atomic ledger transition.
// All arithmetic lives in the engine; a Tx only reads locked rows and
// persists the computed deltas.
type Tx interface {
	AccountForUpdate(ctx context.Context, accountID string) (*Account, error)
	PositionForUpdate(ctx context.Context, accountID, tokenAddress string) (*Position, error)
	LotsFIFO(ctx context.Context, accountID, tokenAddress string) ([]Lot, error)
	InsertTrade(ctx context.Context, trade *Trade) error
	InsertLot(ctx context.Context, lot *Lot) error
	SetLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error
	DeleteLot(ctx context.Context, lotID string) error
	UpsertPosition(ctx context.Context, position *Position) error
	DeletePosition(ctx context.Context, accountID, tokenAddress string) error
	SetBalance(ctx context.Context, accountID string, balance decimal.Decimal) error
	InsertRealizedPnL(ctx context.Context, entry *RealizedPnL) error
}

// Store is the durable record of balances, positions, lots, trades and
// realized PnL.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Account(ctx context.Context, accountID string) (*Account, error)
	Positions(ctx context.Context, accountID string) ([]Position, error)
	Position(ctx context.Context, accountID, tokenAddress string) (*Position, error)
	RealizedPnLTotals(ctx context.Context, accountID string) (quote, base decimal.Decimal, err error)
	Trades(ctx context.Context, accountID string, limit int) ([]Trade, error)
}

// PGStore implements Store on Postgres. Money-moving transactions run at
// Serializable so concurrent writers to the same rows cannot lose updates;
// the per-key lease is the coarse guard, this isolation level is the fine one.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrCommitFailed, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	return nil
}

func (s *PGStore) Account(ctx context.Context, accountID string) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx,
		"select id, balance, created_at from accounts where id = $1", accountID,
	).Scan(&a.ID, &a.Balance, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *PGStore) Positions(ctx context.Context, accountID string) ([]Position, error) {
	rows, err := s.pool.Query(ctx, `
		select account_id, token_address, quantity, cost_basis, updated_at
		from positions
		where account_id = $1 and quantity > 0
		order by token_address
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.AccountID, &p.TokenAddress, &p.Quantity, &p.CostBasis, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) Position(ctx context.Context, accountID, tokenAddress string) (*Position, error) {
	var p Position
	err := s.pool.QueryRow(ctx, `
		select account_id, token_address, quantity, cost_basis, updated_at
		from positions
		where account_id = $1 and token_address = $2
	`, accountID, tokenAddress).Scan(&p.AccountID, &p.TokenAddress, &p.Quantity, &p.CostBasis, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (s *PGStore) RealizedPnLTotals(ctx context.Context, accountID string) (decimal.Decimal, decimal.Decimal, error) {
	var quote, base decimal.Decimal
	err := s.pool.QueryRow(ctx,
		"select coalesce(sum(pnl_quote), 0), coalesce(sum(pnl_base), 0) from realized_pnl where account_id = $1",
		accountID,
	).Scan(&quote, &base)
	return quote, base, err
}

func (s *PGStore) Trades(ctx context.Context, accountID string, limit int) ([]Trade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		select id, account_id, token_address, side, quantity, unit_price,
		       gross_quote, fee_quote, net_quote, gross_base, fee_base, net_base,
		       quote_to_base_rate, executed_at
		from trades
		where account_id = $1
		order by executed_at desc
		limit $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(
			&t.ID, &t.AccountID, &t.TokenAddress, &t.Side, &t.Quantity, &t.UnitPrice,
			&t.GrossQuote, &t.FeeQuote, &t.NetQuote, &t.GrossBase, &t.FeeBase, &t.NetBase,
			&t.QuoteToBaseRate, &t.ExecutedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) AccountForUpdate(ctx context.Context, accountID string) (*Account, error) {
	var a Account
	err := t.tx.QueryRow(ctx,
		"select id, balance, created_at from accounts where id = $1 for update", accountID,
	).Scan(&a.ID, &a.Balance, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) PositionForUpdate(ctx context.Context, accountID, tokenAddress string) (*Position, error) {
	var p Position
	err := t.tx.QueryRow(ctx, `
		select account_id, token_address, quantity, cost_basis, updated_at
		from positions
		where account_id = $1 and token_address = $2
		for update
	`, accountID, tokenAddress).Scan(&p.AccountID, &p.TokenAddress, &p.Quantity, &p.CostBasis, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (t *pgTx) LotsFIFO(ctx context.Context, accountID, tokenAddress string) ([]Lot, error) {
	rows, err := t.tx.Query(ctx, `
		select id, account_id, token_address, quantity_remaining,
		       unit_cost_quote, unit_cost_base, quote_to_base_rate, created_at
		from lots
		where account_id = $1 and token_address = $2 and quantity_remaining > 0
		order by created_at, id
		for update
	`, accountID, tokenAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lot
	for rows.Next() {
		var l Lot
		if err := rows.Scan(
			&l.ID, &l.AccountID, &l.TokenAddress, &l.QuantityRemaining,
			&l.UnitCostQuote, &l.UnitCostBase, &l.QuoteToBaseRate, &l.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertTrade(ctx context.Context, trade *Trade) error {
	_, err := t.tx.Exec(ctx, `
		insert into trades (id, account_id, token_address, side, quantity, unit_price,
			gross_quote, fee_quote, net_quote, gross_base, fee_base, net_base,
			quote_to_base_rate, executed_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, trade.ID, trade.AccountID, trade.TokenAddress, string(trade.Side), trade.Quantity, trade.UnitPrice,
		trade.GrossQuote, trade.FeeQuote, trade.NetQuote, trade.GrossBase, trade.FeeBase, trade.NetBase,
		trade.QuoteToBaseRate, trade.ExecutedAt)
	return err
}

func (t *pgTx) InsertLot(ctx context.Context, lot *Lot) error {
	_, err := t.tx.Exec(ctx, `
		insert into lots (id, account_id, token_address, quantity_remaining,
			unit_cost_quote, unit_cost_base, quote_to_base_rate, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, lot.ID, lot.AccountID, lot.TokenAddress, lot.QuantityRemaining,
		lot.UnitCostQuote, lot.UnitCostBase, lot.QuoteToBaseRate, lot.CreatedAt)
	return err
}

func (t *pgTx) SetLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, "update lots set quantity_remaining = $2 where id = $1", lotID, remaining)
	return err
}

func (t *pgTx) DeleteLot(ctx context.Context, lotID string) error {
	_, err := t.tx.Exec(ctx, "delete from lots where id = $1", lotID)
	return err
}

func (t *pgTx) UpsertPosition(ctx context.Context, position *Position) error {
	_, err := t.tx.Exec(ctx, `
		insert into positions (account_id, token_address, quantity, cost_basis, updated_at)
		values ($1, $2, $3, $4, $5)
		on conflict (account_id, token_address) do update
		set quantity = excluded.quantity, cost_basis = excluded.cost_basis, updated_at = excluded.updated_at
	`, position.AccountID, position.TokenAddress, position.Quantity, position.CostBasis, position.UpdatedAt)
	return err
}

func (t *pgTx) DeletePosition(ctx context.Context, accountID, tokenAddress string) error {
	_, err := t.tx.Exec(ctx, "delete from positions where account_id = $1 and token_address = $2", accountID, tokenAddress)
	return err
}

func (t *pgTx) SetBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, "update accounts set balance = $2 where id = $1", accountID, balance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) InsertRealizedPnL(ctx context.Context, entry *RealizedPnL) error {
	_, err := t.tx.Exec(ctx, `
		insert into realized_pnl (id, trade_id, account_id, token_address,
			pnl_quote, pnl_base, quote_to_base_rate, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.TradeID, entry.AccountID, entry.TokenAddress,
		entry.PnLQuote, entry.PnLBase, entry.QuoteToBaseRate, entry.CreatedAt)
	return err
}
