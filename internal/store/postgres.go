package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lv-tradedesk/internal/ledger/chain"
	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const serializationRetries = 3

// chainLockKey guards the head of the transaction hash chain.
const chainLockKey = 7001

const positionColumns = `id, user_id, symbol_id, direction, investment_amount, leverage, entry_price,
	current_price, profit_loss_amount, profit_loss_percentage, status, source, trader_id,
	stop_loss, take_profit, opened_at, closed_at`

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// InTx runs fn in a serializable transaction and retries it when postgres
// reports a serialization failure.
func (p *Postgres) InTx(ctx context.Context, fn func(Tx) error) error {
	var err error
	for attempt := 0; attempt < serializationRetries; attempt++ {
		err = p.inTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (p *Postgres) inTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	id := uuid.NewString()
	_, err := p.pool.Exec(ctx, "insert into users (id, email, password_hash) values ($1, $2, $3)", id, strings.ToLower(email), passwordHash)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("user %s: %w", email, ErrDuplicate)
		}
		return "", err
	}
	return id, nil
}

func (p *Postgres) UserCredentials(ctx context.Context, email string) (string, string, error) {
	var id, hash string
	err := p.pool.QueryRow(ctx, "select id, password_hash from users where email = $1", strings.ToLower(email)).Scan(&id, &hash)
	if err != nil {
		return "", "", notFound(err)
	}
	return id, hash, nil
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (model.User, error) {
	var u model.User
	err := p.pool.QueryRow(ctx, "select id, email, created_at from users where id = $1", userID).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err != nil {
		return model.User{}, notFound(err)
	}
	return u, nil
}

func (p *Postgres) GetWallet(ctx context.Context, userID string) (model.Wallet, error) {
	return scanWallet(p.pool.QueryRow(ctx, "select id, deposit, profit, trading, total from users where id = $1", userID))
}

func (p *Postgres) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, "select id, sequence, user_id, type, amount, status, description, reference, prev_hash, hash, created_at from transactions where user_id = $1 order by sequence desc limit $2", userID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTransaction)
}

func (p *Postgres) TransactionChain(ctx context.Context) ([]model.Transaction, error) {
	rows, err := p.pool.Query(ctx, "select id, sequence, user_id, type, amount, status, description, reference, prev_hash, hash, created_at from transactions order by sequence")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTransaction)
}

func (p *Postgres) GetPosition(ctx context.Context, id string) (model.Position, error) {
	return scanPosition(p.pool.QueryRow(ctx, "select "+positionColumns+" from positions where id = $1", id))
}

func (p *Postgres) ListPositionsByUser(ctx context.Context, userID string, status types.PositionStatus) ([]model.Position, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = p.pool.Query(ctx, "select "+positionColumns+" from positions where user_id = $1 order by opened_at desc", userID)
	} else {
		rows, err = p.pool.Query(ctx, "select "+positionColumns+" from positions where user_id = $1 and status = $2 order by opened_at desc", userID, string(status))
	}
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (model.Position, error) { return scanPosition(r) })
}

func (p *Postgres) ListActivePositions(ctx context.Context) ([]model.Position, error) {
	rows, err := p.pool.Query(ctx, "select "+positionColumns+" from positions where status in ('open', 'paused') order by opened_at")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (model.Position, error) { return scanPosition(r) })
}

func (p *Postgres) UpdatePositionPnL(ctx context.Context, u model.PnLUpdate) (bool, error) {
	tag, err := p.pool.Exec(ctx, "update positions set profit_loss_amount = $2, profit_loss_percentage = $3, current_price = $4 where id = $1 and status = 'open'", u.PositionID, u.Amount, u.Percentage, u.MarkPrice)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) GetSymbol(ctx context.Context, id string) (model.Symbol, error) {
	return getSymbol(ctx, p.pool, id)
}

func (p *Postgres) ListSymbols(ctx context.Context) ([]model.Symbol, error) {
	rows, err := p.pool.Query(ctx, "select id, name, current_price, is_active, admin_controlled_outcome, loss_percentage, profit_percentage from symbols order by name")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (model.Symbol, error) { return scanSymbol(r) })
}

func (p *Postgres) ListTraders(ctx context.Context) ([]model.Trader, error) {
	rows, err := p.pool.Query(ctx, "select id, name, win_rate, is_active from expert_traders order by name")
	if err != nil {
		return nil, err
	}
	traders, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (model.Trader, error) {
		var t model.Trader
		err := r.Scan(&t.ID, &t.Name, &t.WinRate, &t.IsActive)
		return t, err
	})
	if err != nil {
		return nil, err
	}
	for i := range traders {
		trades, err := p.traderTrades(ctx, traders[i].ID)
		if err != nil {
			return nil, err
		}
		traders[i].Trades = trades
	}
	return traders, nil
}

func (p *Postgres) GetTrader(ctx context.Context, id string) (model.Trader, error) {
	var t model.Trader
	err := p.pool.QueryRow(ctx, "select id, name, win_rate, is_active from expert_traders where id = $1", id).Scan(&t.ID, &t.Name, &t.WinRate, &t.IsActive)
	if err != nil {
		return model.Trader{}, notFound(err)
	}
	t.Trades, err = p.traderTrades(ctx, id)
	if err != nil {
		return model.Trader{}, err
	}
	return t, nil
}

func (p *Postgres) traderTrades(ctx context.Context, traderID string) ([]model.TraderTrade, error) {
	rows, err := p.pool.Query(ctx, "select id, pair, action, profit from expert_trader_trades where trader_id = $1 order by created_at desc", traderID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (model.TraderTrade, error) {
		var tr model.TraderTrade
		var action string
		err := r.Scan(&tr.ID, &tr.Pair, &action, &tr.Profit)
		tr.Action = types.Direction(strings.ToUpper(action))
		return tr, err
	})
}

// SettingValues treats a missing system_settings table as "no overrides".
func (p *Postgres) SettingValues(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	rows, err := p.pool.Query(ctx, "select key, value from system_settings where key = any($1)", keys)
	if err != nil {
		if isUndefinedTableError(err) {
			return out, nil
		}
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		if isUndefinedTableError(err) {
			return out, nil
		}
		return nil, err
	}
	return out, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) PositionForUpdate(ctx context.Context, id string) (model.Position, error) {
	return scanPosition(t.tx.QueryRow(ctx, "select "+positionColumns+" from positions where id = $1 for update", id))
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `insert into positions (`+positionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		p.ID, p.UserID, p.SymbolID, string(p.Direction), p.InvestmentAmount, p.Leverage, p.EntryPrice,
		p.CurrentPrice, p.ProfitLossAmount, p.ProfitLossPercentage, string(p.Status), string(p.Source), p.TraderID,
		nullDecimal(p.StopLoss), nullDecimal(p.TakeProfit), p.OpenedAt, p.ClosedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("position %s: %w", p.ID, ErrDuplicate)
		}
		return err
	}
	return nil
}

func (t *pgTx) UpdatePositionStatus(ctx context.Context, id string, status types.PositionStatus, closedAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, "update positions set status = $2, closed_at = $3 where id = $1", id, string(status), closedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) WalletForUpdate(ctx context.Context, userID string) (model.Wallet, error) {
	return scanWallet(t.tx.QueryRow(ctx, "select id, deposit, profit, trading, total from users where id = $1 for update", userID))
}

func (t *pgTx) UpdateWallet(ctx context.Context, w model.Wallet) error {
	tag, err := t.tx.Exec(ctx, "update users set deposit = $2, profit = $3, trading = $4, total = $5 where id = $1", w.UserID, w.Deposit, w.Profit, w.Trading, w.Total)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, tr *model.Transaction) error {
	if _, err := t.tx.Exec(ctx, "select pg_advisory_xact_lock($1)", chainLockKey); err != nil {
		return err
	}
	var (
		lastSeq  int64
		prevHash string
	)
	err := t.tx.QueryRow(ctx, "select sequence, hash from transactions order by sequence desc limit 1").Scan(&lastSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.Status == "" {
		tr.Status = types.TransactionStatusCompleted
	}
	tr.CreatedAt = time.Now().UTC()
	chain.Seal(tr, lastSeq+1, prevHash)

	_, err = t.tx.Exec(ctx, `insert into transactions (id, sequence, user_id, type, amount, status, description, reference, prev_hash, hash, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tr.ID, tr.Sequence, tr.UserID, string(tr.Type), tr.Amount, tr.Status, tr.Description, tr.Reference, tr.PrevHash, tr.Hash, tr.CreatedAt)
	return err
}

func (t *pgTx) GetSymbol(ctx context.Context, id string) (model.Symbol, error) {
	return getSymbol(ctx, t.tx, id)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getSymbol(ctx context.Context, q querier, id string) (model.Symbol, error) {
	return scanSymbol(q.QueryRow(ctx, "select id, name, current_price, is_active, admin_controlled_outcome, loss_percentage, profit_percentage from symbols where id = $1", id))
}

func scanPosition(row pgx.Row) (model.Position, error) {
	var (
		p                    model.Position
		direction, status    string
		source               string
		stopLoss, takeProfit decimal.NullDecimal
	)
	err := row.Scan(&p.ID, &p.UserID, &p.SymbolID, &direction, &p.InvestmentAmount, &p.Leverage, &p.EntryPrice,
		&p.CurrentPrice, &p.ProfitLossAmount, &p.ProfitLossPercentage, &status, &source, &p.TraderID,
		&stopLoss, &takeProfit, &p.OpenedAt, &p.ClosedAt)
	if err != nil {
		return model.Position{}, notFound(err)
	}
	p.Direction = types.Direction(direction)
	p.Status = types.PositionStatus(status)
	p.Source = types.PositionSource(source)
	p.StopLoss = fromNull(stopLoss)
	p.TakeProfit = fromNull(takeProfit)
	return p, nil
}

func scanSymbol(row pgx.Row) (model.Symbol, error) {
	var (
		s            model.Symbol
		outcome      string
		loss, profit decimal.NullDecimal
	)
	if err := row.Scan(&s.ID, &s.Name, &s.CurrentPrice, &s.IsActive, &outcome, &loss, &profit); err != nil {
		return model.Symbol{}, notFound(err)
	}
	s.Outcome = types.Outcome(outcome)
	s.LossPercentage = fromNull(loss)
	s.ProfitPercentage = fromNull(profit)
	return s, nil
}

func scanWallet(row pgx.Row) (model.Wallet, error) {
	var w model.Wallet
	if err := row.Scan(&w.UserID, &w.Deposit, &w.Profit, &w.Trading, &w.Total); err != nil {
		return model.Wallet{}, notFound(err)
	}
	return w, nil
}

func scanTransaction(row pgx.CollectableRow) (model.Transaction, error) {
	var (
		t   model.Transaction
		typ string
	)
	err := row.Scan(&t.ID, &t.Sequence, &t.UserID, &typ, &t.Amount, &t.Status, &t.Description, &t.Reference, &t.PrevHash, &t.Hash, &t.CreatedAt)
	t.Type = types.TransactionType(typ)
	return t, err
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNull(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}
