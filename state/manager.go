package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"escrowd/core/types"
	"escrowd/crypto"
	"escrowd/escrow"
	"escrowd/storage"
)

const (
	accountKeyPrefix = "acct:"
	escrowKeyPrefix  = "esc:"
)

// Manager persists accounts and escrow snapshots in the key-value store and
// satisfies the engine's state interface. All snapshots are JSON encoded so
// they stay inspectable with standard leveldb tooling.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

// NewManager wraps the given database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

type accountRecord struct {
	Nonce   uint64 `json:"nonce"`
	Balance string `json:"balance"`
}

type ledgerRecord struct {
	ID          string `json:"id"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Arbiter     string `json:"arbiter"`
	Amount      string `json:"amount"`
	Disposition uint8  `json:"disposition"`
	Approved    bool   `json:"approved"`
	CreatedAt   int64  `json:"createdAt"`
}

func accountKey(addr crypto.Address) []byte {
	return []byte(accountKeyPrefix + addr.Hex())
}

func escrowKey(id [32]byte) []byte {
	return []byte(escrowKeyPrefix + hex.EncodeToString(id[:]))
}

// GetAccount loads the account for addr, returning a fresh zero-balance
// account when none is stored yet.
func (m *Manager) GetAccount(addr crypto.Address) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, err := m.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", addr, err)
	}
	var rec accountRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", addr, err)
	}
	balance, ok := new(big.Int).SetString(rec.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("decode account %s: invalid balance %q", addr, rec.Balance)
	}
	return &types.Account{Nonce: rec.Nonce, Balance: balance}, nil
}

// PutAccount stores the account under addr.
func (m *Manager) PutAccount(addr crypto.Address, account *types.Account) error {
	account = types.EnsureAccount(account)
	if account.Balance.Sign() < 0 {
		return fmt.Errorf("store account %s: negative balance", addr)
	}
	raw, err := json.Marshal(accountRecord{Nonce: account.Nonce, Balance: account.Balance.String()})
	if err != nil {
		return fmt.Errorf("encode account %s: %w", addr, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(accountKey(addr), raw)
}

// Credit adds amount to the balance of addr. Used for genesis funding and
// deposits arriving from outside the escrow flow.
func (m *Manager) Credit(addr crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("credit %s: amount must be positive", addr)
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return m.PutAccount(addr, account)
}

// EscrowPut stores the ledger snapshot.
func (m *Manager) EscrowPut(l *escrow.Ledger) error {
	sanitized, err := escrow.SanitizeLedger(l)
	if err != nil {
		return fmt.Errorf("store escrow: %w", err)
	}
	rec := ledgerRecord{
		ID:          hex.EncodeToString(sanitized.ID[:]),
		Buyer:       sanitized.Buyer.Hex(),
		Seller:      sanitized.Seller.Hex(),
		Arbiter:     sanitized.Arbiter.Hex(),
		Amount:      sanitized.Amount.String(),
		Disposition: uint8(sanitized.Disposition),
		Approved:    sanitized.Approved,
		CreatedAt:   sanitized.CreatedAt,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode escrow %s: %w", rec.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(escrowKey(sanitized.ID), raw)
}

// EscrowGet loads the ledger snapshot for id.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Ledger, bool) {
	m.mu.RLock()
	raw, err := m.db.Get(escrowKey(id))
	m.mu.RUnlock()
	if err != nil {
		return nil, false
	}
	var rec ledgerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	ledger, err := decodeLedgerRecord(id, rec)
	if err != nil {
		return nil, false
	}
	return ledger, true
}

func decodeLedgerRecord(id [32]byte, rec ledgerRecord) (*escrow.Ledger, error) {
	buyer, err := decodeHexAddress(rec.Buyer)
	if err != nil {
		return nil, err
	}
	seller, err := decodeHexAddress(rec.Seller)
	if err != nil {
		return nil, err
	}
	arbiter, err := decodeHexAddress(rec.Arbiter)
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(rec.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", rec.Amount)
	}
	return &escrow.Ledger{
		ID:          id,
		Buyer:       buyer,
		Seller:      seller,
		Arbiter:     arbiter,
		Amount:      amount,
		Disposition: escrow.Disposition(rec.Disposition),
		Approved:    rec.Approved,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

func decodeHexAddress(s string) (crypto.Address, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return crypto.Address{}, err
	}
	return crypto.AddressFromBytes(raw)
}
