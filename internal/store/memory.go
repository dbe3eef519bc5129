package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"lv-tradedesk/internal/ledger/chain"
	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/types"

	"github.com/google/uuid"
)

type memUser struct {
	user   model.User
	hash   string
	wallet model.Wallet
}

// Memory implements Store with in-memory maps. Used for tests and DB_DSN=memory.
// InTx holds the write lock for the whole unit of work and stages every write,
// so a failing fn leaves the maps untouched.
type Memory struct {
	mu        sync.RWMutex
	users     map[string]*memUser
	emails    map[string]string
	positions map[string]model.Position
	symbols   map[string]model.Symbol
	traders   map[string]model.Trader
	settings  map[string]string
	txs       []model.Transaction

	failures map[string]error
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]*memUser),
		emails:    make(map[string]string),
		positions: make(map[string]model.Position),
		symbols:   make(map[string]model.Symbol),
		traders:   make(map[string]model.Trader),
		settings:  make(map[string]string),
		failures:  make(map[string]error),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// FailOnce makes the next call of op return err. Op names match the method
// names, e.g. "AppendTransaction" or "UpdatePositionPnL".
func (m *Memory) FailOnce(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

func (m *Memory) fail(op string) error {
	err, ok := m.failures[op]
	if !ok {
		return nil
	}
	delete(m.failures, op)
	return err
}

// SeedUser registers a user with the given wallet and returns its id.
func (m *Memory) SeedUser(id, email string, w model.Wallet) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		id = uuid.NewString()
	}
	w.UserID = id
	m.users[id] = &memUser{user: model.User{ID: id, Email: email, CreatedAt: m.now()}, wallet: w}
	if email != "" {
		m.emails[strings.ToLower(email)] = id
	}
	return id
}

func (m *Memory) PutSymbol(s model.Symbol) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols[s.ID] = s
}

func (m *Memory) PutPosition(p model.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
}

func (m *Memory) PutTrader(t model.Trader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Trades = append([]model.TraderTrade(nil), t.Trades...)
	m.traders[t.ID] = t
}

func (m *Memory) PutSetting(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
}

func (m *Memory) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:         m,
		positions: make(map[string]model.Position),
		wallets:   make(map[string]model.Wallet),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id, p := range tx.positions {
		m.positions[id] = p
	}
	for id, w := range tx.wallets {
		m.users[id].wallet = w
	}
	m.txs = append(m.txs, tx.txs...)
	return nil
}

func (m *Memory) CreateUser(_ context.Context, email, passwordHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := m.emails[key]; ok {
		return "", fmt.Errorf("user %s: %w", email, ErrDuplicate)
	}
	id := uuid.NewString()
	m.users[id] = &memUser{
		user:   model.User{ID: id, Email: key, CreatedAt: m.now()},
		hash:   passwordHash,
		wallet: model.Wallet{UserID: id},
	}
	m.emails[key] = id
	return id, nil
}

func (m *Memory) UserCredentials(_ context.Context, email string) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emails[strings.ToLower(email)]
	if !ok {
		return "", "", ErrNotFound
	}
	return id, m.users[id].hash, nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u.user, nil
}

func (m *Memory) GetWallet(_ context.Context, userID string) (model.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return model.Wallet{}, ErrNotFound
	}
	return u.wallet, nil
}

func (m *Memory) ListTransactions(_ context.Context, userID string, limit int) ([]model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Transaction
	for i := len(m.txs) - 1; i >= 0; i-- {
		if m.txs[i].UserID != userID {
			continue
		}
		out = append(out, m.txs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) TransactionChain(_ context.Context) ([]model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Transaction(nil), m.txs...), nil
}

func (m *Memory) GetPosition(_ context.Context, id string) (model.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return model.Position{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListPositionsByUser(_ context.Context, userID string, status types.PositionStatus) ([]model.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Position
	for _, p := range m.positions {
		if p.UserID != userID || (status != "" && p.Status != status) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (m *Memory) ListActivePositions(_ context.Context) ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListActivePositions"); err != nil {
		return nil, err
	}
	var out []model.Position
	for _, p := range m.positions {
		if p.Status.Active() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *Memory) UpdatePositionPnL(_ context.Context, u model.PnLUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdatePositionPnL"); err != nil {
		return false, err
	}
	p, ok := m.positions[u.PositionID]
	if !ok || p.Status != types.PositionStatusOpen {
		return false, nil
	}
	p.ProfitLossAmount = u.Amount
	p.ProfitLossPercentage = u.Percentage
	p.CurrentPrice = u.MarkPrice
	m.positions[p.ID] = p
	return true, nil
}

func (m *Memory) GetSymbol(_ context.Context, id string) (model.Symbol, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.symbols[id]
	if !ok {
		return model.Symbol{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSymbols(_ context.Context) ([]model.Symbol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListSymbols"); err != nil {
		return nil, err
	}
	out := make([]model.Symbol, 0, len(m.symbols))
	for _, s := range m.symbols {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListTraders(_ context.Context) ([]model.Trader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Trader, 0, len(m.traders))
	for _, t := range m.traders {
		t.Trades = append([]model.TraderTrade(nil), t.Trades...)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetTrader(_ context.Context, id string) (model.Trader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.traders[id]
	if !ok {
		return model.Trader{}, ErrNotFound
	}
	t.Trades = append([]model.TraderTrade(nil), t.Trades...)
	return t, nil
}

func (m *Memory) SettingValues(_ context.Context, keys []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SettingValues"); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := m.settings[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// memTx reads through its staged writes to the parent maps. The parent
// write lock is held for its whole lifetime.
type memTx struct {
	m         *Memory
	positions map[string]model.Position
	wallets   map[string]model.Wallet
	txs       []model.Transaction
}

func (t *memTx) PositionForUpdate(_ context.Context, id string) (model.Position, error) {
	if p, ok := t.positions[id]; ok {
		return p, nil
	}
	p, ok := t.m.positions[id]
	if !ok {
		return model.Position{}, ErrNotFound
	}
	return p, nil
}

func (t *memTx) InsertPosition(_ context.Context, p *model.Position) error {
	if err := t.m.fail("InsertPosition"); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, ok := t.m.positions[p.ID]; ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrDuplicate)
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = t.m.now()
	}
	t.positions[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePositionStatus(ctx context.Context, id string, status types.PositionStatus, closedAt *time.Time) error {
	if err := t.m.fail("UpdatePositionStatus"); err != nil {
		return err
	}
	p, err := t.PositionForUpdate(ctx, id)
	if err != nil {
		return err
	}
	p.Status = status
	p.ClosedAt = closedAt
	t.positions[id] = p
	return nil
}

func (t *memTx) WalletForUpdate(_ context.Context, userID string) (model.Wallet, error) {
	if w, ok := t.wallets[userID]; ok {
		return w, nil
	}
	u, ok := t.m.users[userID]
	if !ok {
		return model.Wallet{}, ErrNotFound
	}
	return u.wallet, nil
}

func (t *memTx) UpdateWallet(_ context.Context, w model.Wallet) error {
	if err := t.m.fail("UpdateWallet"); err != nil {
		return err
	}
	if _, ok := t.m.users[w.UserID]; !ok {
		return ErrNotFound
	}
	t.wallets[w.UserID] = w
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, tr *model.Transaction) error {
	if err := t.m.fail("AppendTransaction"); err != nil {
		return err
	}
	if tr.Amount.IsNegative() {
		return fmt.Errorf("transaction amount %s is negative", tr.Amount)
	}
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.Status == "" {
		tr.Status = types.TransactionStatusCompleted
	}
	tr.CreatedAt = t.m.now()

	prev := ""
	seq := int64(len(t.m.txs) + len(t.txs) + 1)
	switch {
	case len(t.txs) > 0:
		prev = t.txs[len(t.txs)-1].Hash
	case len(t.m.txs) > 0:
		prev = t.m.txs[len(t.m.txs)-1].Hash
	}
	chain.Seal(tr, seq, prev)
	t.txs = append(t.txs, *tr)
	return nil
}

func (t *memTx) GetSymbol(_ context.Context, id string) (model.Symbol, error) {
	s, ok := t.m.symbols[id]
	if !ok {
		return model.Symbol{}, ErrNotFound
	}
	return s, nil
}
