package escrow

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/crypto"
)

// State is the narrow persistence surface the engine requires. A transfer
// failure must leave the escrow snapshot untouched, which the engine
// guarantees by attempting all account moves before storing the mutated
// ledger.
type State interface {
	EscrowPut(*Ledger) error
	EscrowGet(id [32]byte) (*Ledger, bool)
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
}

type ledgerEvent struct {
	evt *types.Event
}

func (e ledgerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e ledgerEvent) Event() *types.Event { return e.evt }

// Engine wires the escrow state machine to external state and event emitters.
// Each operation executes sequentially with respect to the others on the same
// instance; callers that share an engine across goroutines must serialise
// access, matching the single-threaded execution model of the ledger.
type Engine struct {
	state   State
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an engine with a no-op emitter. Callers can override the
// emitter via SetEmitter.
func NewEngine(state State) *Engine {
	return &Engine{
		state:   state,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(ledgerEvent{evt: event})
}

// VaultAddress derives the address holding an escrow's locked funds. The
// vault is exclusively owned by the ledger until the single terminal
// transfer.
func VaultAddress(id [32]byte) crypto.Address {
	sum := ethcrypto.Keccak256([]byte("escrow/vault"), id[:])
	return crypto.MustAddressFromBytes(sum[12:])
}

// LedgerID derives the deterministic identifier for a buyer's n-th escrow
// against a seller.
func LedgerID(buyer, seller crypto.Address, nonce uint64) [32]byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	return ethcrypto.Keccak256Hash(buyer[:], seller[:], nonceBytes[:])
}

// Create locks amount from the buyer into a fresh ledger bound to the three
// roles and emits the deposited event. Creation is atomic: if funding fails
// no ledger exists afterwards.
//
// The roles are not required to be pairwise distinct. The source contract
// never enforced buyer != arbiter, so a buyer can arbitrate a dispute they
// raised themselves; kept as-is pending an explicit contract change.
func (e *Engine) Create(buyer, seller, arbiter crypto.Address, amount *big.Int) (*Ledger, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("escrow engine: state not configured")
	}
	if seller.IsZero() {
		return nil, fmt.Errorf("%w: seller is the zero identity", ErrInvalidAddress)
	}
	if arbiter.IsZero() {
		return nil, fmt.Errorf("%w: arbiter is the zero identity", ErrInvalidAddress)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	buyerAcc, err := e.state.GetAccount(buyer)
	if err != nil {
		return nil, err
	}
	buyerAcc = types.EnsureAccount(buyerAcc)
	id := LedgerID(buyer, seller, buyerAcc.Nonce)
	if _, exists := e.state.EscrowGet(id); exists {
		return nil, fmt.Errorf("escrow: ledger %x already exists", id)
	}
	amt := new(big.Int).Set(amount)
	if buyerAcc.Balance.Cmp(amt) < 0 {
		return nil, fmt.Errorf("%w: insufficient buyer balance", ErrTransferFailed)
	}
	vault := VaultAddress(id)
	vaultAcc, err := e.state.GetAccount(vault)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	vaultAcc = types.EnsureAccount(vaultAcc)

	buyerAcc.Balance = new(big.Int).Sub(buyerAcc.Balance, amt)
	buyerAcc.Nonce++
	vaultAcc.Balance = new(big.Int).Add(vaultAcc.Balance, amt)
	if err := e.state.PutAccount(buyer, buyerAcc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.state.PutAccount(vault, vaultAcc); err != nil {
		// Undo the buyer debit so a failed funding leaves balances intact.
		buyerAcc.Balance = new(big.Int).Add(buyerAcc.Balance, amt)
		buyerAcc.Nonce--
		if restoreErr := e.state.PutAccount(buyer, buyerAcc); restoreErr != nil {
			return nil, fmt.Errorf("%w: %v (buyer restore failed: %v)", ErrTransferFailed, err, restoreErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	ledger := &Ledger{
		ID:          id,
		Buyer:       buyer,
		Seller:      seller,
		Arbiter:     arbiter,
		Amount:      amt,
		Disposition: DispositionOpen,
		CreatedAt:   e.now(),
	}
	if err := e.state.EscrowPut(ledger); err != nil {
		// Undo the funding so a rejected snapshot leaves no half-created
		// escrow behind.
		vaultAcc.Balance = new(big.Int).Sub(vaultAcc.Balance, amt)
		buyerAcc.Balance = new(big.Int).Add(buyerAcc.Balance, amt)
		buyerAcc.Nonce--
		if restoreErr := e.state.PutAccount(vault, vaultAcc); restoreErr != nil {
			return nil, fmt.Errorf("%w: %v (vault restore failed: %v)", ErrTransferFailed, err, restoreErr)
		}
		if restoreErr := e.state.PutAccount(buyer, buyerAcc); restoreErr != nil {
			return nil, fmt.Errorf("%w: %v (buyer restore failed: %v)", ErrTransferFailed, err, restoreErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	e.emit(NewDepositedEvent(ledger))
	return ledger.Clone(), nil
}

// Approve releases the full locked amount to the seller. Only the buyer may
// approve, and a dispute does not block the path: approving mid-dispute
// resolves in favour of the seller.
func (e *Engine) Approve(id [32]byte, caller crypto.Address) error {
	ledger, err := e.loadLedger(id)
	if err != nil {
		return err
	}
	if ledger.Resolved() {
		return ErrAlreadyResolved
	}
	if caller != ledger.Buyer {
		return fmt.Errorf("%w: approve requires the buyer", ErrUnauthorized)
	}
	if err := e.payOut(ledger, ledger.Seller); err != nil {
		return err
	}
	ledger.Approved = true
	ledger.Disposition = DispositionResolved
	if err := e.commitTerminal(ledger, ledger.Seller); err != nil {
		return err
	}
	e.emit(NewApprovedEvent(ledger))
	return nil
}

// Dispute flags the ledger as disputed. Only the buyer may raise a dispute.
// Raising a dispute while one is already open succeeds again and re-emits
// the event; the source contract carries no guard against it.
func (e *Engine) Dispute(id [32]byte, caller crypto.Address) error {
	ledger, err := e.loadLedger(id)
	if err != nil {
		return err
	}
	if ledger.Resolved() {
		return ErrAlreadyResolved
	}
	if caller != ledger.Buyer {
		return fmt.Errorf("%w: dispute requires the buyer", ErrUnauthorized)
	}
	ledger.Disposition = DispositionDisputed
	if err := e.state.EscrowPut(ledger); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(ledger))
	return nil
}

// ResolveDispute settles an open dispute by transferring the locked amount to
// the recipient chosen by the arbiter. The recipient must be exactly the
// buyer or the seller.
func (e *Engine) ResolveDispute(id [32]byte, caller, recipient crypto.Address) error {
	ledger, err := e.loadLedger(id)
	if err != nil {
		return err
	}
	if ledger.Resolved() {
		return ErrAlreadyResolved
	}
	if caller != ledger.Arbiter {
		return fmt.Errorf("%w: resolution requires the arbiter", ErrUnauthorized)
	}
	if !ledger.Disputed() {
		return ErrNoActiveDispute
	}
	if recipient != ledger.Buyer && recipient != ledger.Seller {
		return ErrInvalidRecipient
	}
	if err := e.payOut(ledger, recipient); err != nil {
		return err
	}
	ledger.Disposition = DispositionResolved
	if err := e.commitTerminal(ledger, recipient); err != nil {
		return err
	}
	e.emit(NewResolvedEvent(ledger, recipient))
	return nil
}

// Refund returns the locked amount to the buyer. Only the buyer may refund,
// and only while no approval has been recorded.
func (e *Engine) Refund(id [32]byte, caller crypto.Address) error {
	ledger, err := e.loadLedger(id)
	if err != nil {
		return err
	}
	if ledger.Resolved() {
		return ErrAlreadyResolved
	}
	if caller != ledger.Buyer {
		return fmt.Errorf("%w: refund requires the buyer", ErrUnauthorized)
	}
	if ledger.Approved {
		// Unreachable in practice: approval also resolves atomically, so
		// the resolved check above fires first.
		return ErrAlreadyApproved
	}
	if err := e.payOut(ledger, ledger.Buyer); err != nil {
		return err
	}
	ledger.Disposition = DispositionResolved
	if err := e.commitTerminal(ledger, ledger.Buyer); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(ledger))
	return nil
}

// Get returns a copy of the ledger snapshot.
func (e *Engine) Get(id [32]byte) (*Ledger, error) {
	return e.loadLedger(id)
}

// BalanceOf reports the current balance of an address, including vaults.
func (e *Engine) BalanceOf(addr crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("escrow engine: state not configured")
	}
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	acc = types.EnsureAccount(acc)
	return new(big.Int).Set(acc.Balance), nil
}

func (e *Engine) loadLedger(id [32]byte) (*Ledger, error) {
	if e == nil || e.state == nil {
		return nil, fmt.Errorf("escrow engine: state not configured")
	}
	ledger, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return ledger.Clone(), nil
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// commitTerminal stores the resolved snapshot after a successful payout. A
// rejected store reverses the payout so the whole step is all-or-nothing and
// the operation stays re-callable.
func (e *Engine) commitTerminal(ledger *Ledger, recipient crypto.Address) error {
	err := e.state.EscrowPut(ledger)
	if err == nil {
		return nil
	}
	if restoreErr := e.undoPayOut(ledger, recipient); restoreErr != nil {
		return fmt.Errorf("%w: %v (payout restore failed: %v)", ErrTransferFailed, err, restoreErr)
	}
	return fmt.Errorf("%w: %v", ErrTransferFailed, err)
}

func (e *Engine) undoPayOut(ledger *Ledger, recipient crypto.Address) error {
	amount := ledger.Amount
	recipientAcc, err := e.state.GetAccount(recipient)
	if err != nil {
		return err
	}
	recipientAcc = types.EnsureAccount(recipientAcc)
	vault := VaultAddress(ledger.ID)
	vaultAcc, err := e.state.GetAccount(vault)
	if err != nil {
		return err
	}
	vaultAcc = types.EnsureAccount(vaultAcc)
	recipientAcc.Balance = new(big.Int).Sub(recipientAcc.Balance, amount)
	vaultAcc.Balance = new(big.Int).Add(vaultAcc.Balance, amount)
	if err := e.state.PutAccount(recipient, recipientAcc); err != nil {
		return err
	}
	return e.state.PutAccount(vault, vaultAcc)
}

// payOut moves the full locked amount from the ledger's vault to the
// recipient. It runs before the disposition mutation is stored so a failure
// leaves the ledger unchanged and re-callable.
func (e *Engine) payOut(ledger *Ledger, recipient crypto.Address) error {
	amount := ledger.Amount
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: nothing locked", ErrTransferFailed)
	}
	vault := VaultAddress(ledger.ID)
	vaultAcc, err := e.state.GetAccount(vault)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	vaultAcc = types.EnsureAccount(vaultAcc)
	if vaultAcc.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: vault underfunded", ErrTransferFailed)
	}
	recipientAcc, err := e.state.GetAccount(recipient)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	recipientAcc = types.EnsureAccount(recipientAcc)

	vaultAcc.Balance = new(big.Int).Sub(vaultAcc.Balance, amount)
	recipientAcc.Balance = new(big.Int).Add(recipientAcc.Balance, amount)
	if err := e.state.PutAccount(vault, vaultAcc); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.state.PutAccount(recipient, recipientAcc); err != nil {
		// Undo the vault debit so a failed transfer leaves balances intact
		// and the operation stays re-callable.
		vaultAcc.Balance = new(big.Int).Add(vaultAcc.Balance, amount)
		if restoreErr := e.state.PutAccount(vault, vaultAcc); restoreErr != nil {
			return fmt.Errorf("%w: %v (vault restore failed: %v)", ErrTransferFailed, err, restoreErr)
		}
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}
