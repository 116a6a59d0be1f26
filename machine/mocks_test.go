package machine

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/checkout/clients"
	"github.com/vitwit/checkout/connect"
	"github.com/vitwit/checkout/fsm"
	"github.com/vitwit/checkout/settlement"
	"github.com/vitwit/checkout/tracker"
	"github.com/vitwit/checkout/types"
	"github.com/vitwit/checkout/unlockaccount"
	"github.com/vitwit/checkout/verification"
)

const (
	lockA      = "0x1111111111111111111111111111111111111111"
	lockB      = "0x2222222222222222222222222222222222222222"
	recipient1 = "0x3333333333333333333333333333333333333333"
	recipient2 = "0x4444444444444444444444444444444444444444"
)

func newSigner(t *testing.T) *unlockaccount.LocalSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return unlockaccount.NewLocalSigner(key, "")
}

// fakeConnection stands in for the connection machine.
type fakeConnection struct {
	mu          sync.Mutex
	snap        connect.Snapshot
	notifier    fsm.Notifier[connect.Snapshot]
	unlockErr   error
	disconnects int
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{snap: connect.Snapshot{State: connect.SignedOut}}
}

func (f *fakeConnection) Snapshot() connect.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeConnection) Subscribe(fn func(connect.Snapshot)) func() {
	return f.notifier.Subscribe(fn)
}

func (f *fakeConnection) set(fn func(*connect.Snapshot)) {
	f.mu.Lock()
	fn(&f.snap)
	snap := f.snap
	f.mu.Unlock()
	f.notifier.Publish(snap)
}

func (f *fakeConnection) signIn(signer clients.Signer) {
	f.set(func(s *connect.Snapshot) {
		s.State = connect.SignedIn
		s.Signer = signer
		s.Context = connect.Context{
			Account:         signer.Address().Hex(),
			Connected:       true,
			IsSignedIn:      true,
			IsUnlockAccount: clients.IsUnlockAccount(signer),
			Provider:        types.ProviderMetamask,
		}
	})
}

// drop signs out without notifying subscribers.
func (f *fakeConnection) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = connect.Snapshot{State: connect.SignedOut}
}

func (f *fakeConnection) signOut() {
	f.set(func(s *connect.Snapshot) { *s = connect.Snapshot{State: connect.SignedOut} })
}

func (f *fakeConnection) StartUnlockAccount(context.Context) error {
	if f.unlockErr != nil {
		return f.unlockErr
	}
	f.set(func(s *connect.Snapshot) {
		s.State = connect.UnlockEmail
		s.Context.Provider = types.ProviderUnlock
	})
	return nil
}

func (f *fakeConnection) Disconnect(context.Context) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.set(func(s *connect.Snapshot) {
		*s = connect.Snapshot{State: connect.SignedOut}
	})
	return nil
}

func (f *fakeConnection) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeWeb3 struct {
	mu          sync.Mutex
	signer      clients.Signer
	locks       map[string]*types.LockInfo
	balance     decimal.Decimal
	names       map[string]string
	claimResult *clients.TxResult
	purchaseErr error
	gate        chan struct{}
	claims      []clients.ClaimParams
	purchases   []clients.PurchaseParams
}

func newFakeWeb3() *fakeWeb3 {
	return &fakeWeb3{
		locks:       make(map[string]*types.LockInfo),
		names:       make(map[string]string),
		balance:     decimal.NewFromInt(100),
		claimResult: &clients.TxResult{Hash: "0xabc", Owner: "0xdef"},
	}
}

func (f *fakeWeb3) wait(ctx context.Context) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeWeb3) Connect(context.Context, types.ProviderKind, any) (clients.Signer, error) {
	if f.signer == nil {
		return nil, errors.New("no wallet")
	}
	return f.signer, nil
}

func (f *fakeWeb3) Disconnect(context.Context) error { return nil }

func (f *fakeWeb3) GetAddressBalance(context.Context, string, int, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeWeb3) GetLock(_ context.Context, lockAddress string, _ int) (*types.LockInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.locks[strings.ToLower(lockAddress)]
	if !ok {
		return nil, errors.New("lock not found")
	}
	return info, nil
}

func (f *fakeWeb3) PurchaseKey(ctx context.Context, p clients.PurchaseParams) (*clients.TxResult, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchases = append(f.purchases, p)
	if f.purchaseErr != nil {
		return nil, f.purchaseErr
	}
	return &clients.TxResult{Hash: "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"}, nil
}

func (f *fakeWeb3) ExtendKey(ctx context.Context, p clients.PurchaseParams) (*clients.TxResult, error) {
	return f.PurchaseKey(ctx, p)
}

func (f *fakeWeb3) Claim(ctx context.Context, p clients.ClaimParams) (*clients.TxResult, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, p)
	return f.claimResult, nil
}

func (f *fakeWeb3) ResolveName(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.names[name]
	if !ok {
		return "", errors.New("name not found")
	}
	return addr, nil
}

func (f *fakeWeb3) purchaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.purchases)
}

func (f *fakeWeb3) claimCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claims)
}

type fakeStorage struct {
	clients.StorageService
	mu    sync.Mutex
	hooks map[string]types.HookType
}

func (f *fakeStorage) GetLockSettings(context.Context, string, int) (*types.LockSettings, error) {
	return &types.LockSettings{SendEmail: true}, nil
}

func (f *fakeStorage) GetHookType(_ context.Context, lockAddress string, _ int) (types.HookType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hooks[strings.ToLower(lockAddress)], nil
}

type fakeChain struct {
	mu       sync.Mutex
	receipts map[common.Hash]*ethtypes.Receipt
	head     uint64
}

func (f *fakeChain) Reader(int) (clients.ChainReader, error) { return f, nil }

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

// mine records a receipt deep enough to be final.
func (f *fakeChain) mine(hash string, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipts == nil {
		f.receipts = make(map[common.Hash]*ethtypes.Receipt)
	}
	f.receipts[common.HexToHash(hash)] = &ethtypes.Receipt{Status: status, BlockNumber: big.NewInt(10)}
	f.head = 20
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int
}

func (r *recordingMetrics) IncCounter(name string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters == nil {
		r.counters = make(map[string]int)
	}
	r.counters[name]++
}

func (r *recordingMetrics) ObserveLatency(string, time.Duration, map[string]string) {}

func (r *recordingMetrics) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

type harness struct {
	m       *Machine
	conn    *fakeConnection
	web3    *fakeWeb3
	storage *fakeStorage
	chain   *fakeChain
	metrics *recordingMetrics
	signer  *unlockaccount.LocalSigner

	// connection replaces conn when set.
	connection Connection

	closed chan bool

	mu   sync.Mutex
	sent []types.Mint
}

func newHarness(t *testing.T, paywall *types.PaywallConfig, configure ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		conn:    newFakeConnection(),
		web3:    newFakeWeb3(),
		storage: &fakeStorage{hooks: make(map[string]types.HookType)},
		chain:   &fakeChain{},
		metrics: &recordingMetrics{},
		signer:  newSigner(t),
		closed:  make(chan bool, 1),
	}
	for _, fn := range configure {
		fn(h)
	}

	var conn Connection = h.conn
	if h.connection != nil {
		conn = h.connection
	}

	m, err := New(context.Background(), Config{
		Paywall:    paywall,
		Connection: conn,
		Web3:       h.web3,
		Storage:    h.storage,
		Verifier:   verification.NewVerificationService(h.web3, verification.Web3Balances{Web3: h.web3}, time.Second, nil),
		Settler:    settlement.NewSettlementService(h.web3, h.storage, time.Second, nil, nil),
		Tracker:    tracker.New(h.chain, tracker.WithInterval(5*time.Millisecond)),
		OnClose:    func(purchased bool) { h.closed <- purchased },
		OnTransactionSent: func(mint types.Mint) {
			h.mu.Lock()
			h.sent = append(h.sent, mint)
			h.mu.Unlock()
		},
		Metrics: h.metrics,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	h.m = m
	return h
}

func (h *harness) signIn() { h.conn.signIn(h.signer) }

func freeLock(address string) *types.LockInfo {
	return &types.LockInfo{Address: address, Network: types.NetworkSepolia, MaxNumberOfKeys: -1}
}

func paidLock(address, price string) *types.LockInfo {
	return &types.LockInfo{
		Address:         address,
		Network:         types.NetworkSepolia,
		KeyPrice:        decimal.RequireFromString(price),
		CurrencySymbol:  "ETH",
		MaxNumberOfKeys: -1,
	}
}

func withLock(info *types.LockInfo) func(*harness) {
	return func(h *harness) { h.web3.locks[strings.ToLower(info.Address)] = info }
}

func singleLock(cfg types.LockConfig) *types.PaywallConfig {
	return &types.PaywallConfig{
		Network: types.NetworkSepolia,
		Locks:   types.NewLocks(types.LockEntry{Address: lockA, Config: cfg}),
	}
}

func twoLocks() *types.PaywallConfig {
	return &types.PaywallConfig{
		Network: types.NetworkSepolia,
		Locks: types.NewLocks(
			types.LockEntry{Address: lockA},
			types.LockEntry{Address: lockB},
		),
	}
}

func (h *harness) waitFor(t *testing.T, states ...State) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := h.m.WaitFor(ctx, states...)
	require.NoError(t, err, "stuck in %s waiting on %q", snap.State, snap.Context.Waiting)
	return snap
}

func (h *harness) send(t *testing.T, ev Event) {
	t.Helper()
	require.NoError(t, h.m.Send(context.Background(), ev))
}

func (h *harness) sentMints() []types.Mint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.Mint(nil), h.sent...)
}
