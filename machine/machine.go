// Package machine drives a checkout session from lock selection to a
// minted key.
//
// All transitions run on one fsm.Loop. Collaborator calls run in their own
// goroutines and post their completions back, tagged with the epoch current
// when they were issued; Disconnect, a re-selection and Back from CONFIRM
// move the epoch on so their late results are dropped. Connection changes
// are reports of outside state and are always applied.
package machine

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/vitwit/checkout/clients"
	"github.com/vitwit/checkout/connect"
	"github.com/vitwit/checkout/fsm"
	"github.com/vitwit/checkout/logger"
	"github.com/vitwit/checkout/metrics"
	"github.com/vitwit/checkout/settlement"
	"github.com/vitwit/checkout/tracker"
	"github.com/vitwit/checkout/types"
	"github.com/vitwit/checkout/verification"
)

// Connection is the part of the connection machine the checkout reads.
type Connection interface {
	Snapshot() connect.Snapshot
	Subscribe(fn func(connect.Snapshot)) func()
	StartUnlockAccount(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Watcher follows a submitted transaction until it settles.
type Watcher interface {
	Watch(ctx context.Context, req tracker.Request, onUpdate func(tracker.Result)) (*tracker.Handle, error)
}

type Config struct {
	Paywall    *types.PaywallConfig
	Connection Connection
	Web3       clients.Web3Service
	Storage    clients.StorageService
	// Verifier is optional; without it CONFIRM submits directly.
	Verifier verification.Verifier
	Settler  settlement.Settler
	Tracker  Watcher
	Settings types.CheckoutConfig

	// OnClose is called once by Close.
	OnClose func(purchased bool)
	// OnTransactionSent is called on the loop goroutine when the
	// transaction is submitted, or once it is final in pessimistic mode.
	OnTransactionSent func(mint types.Mint)

	Logger  logger.Logger
	Metrics metrics.Recorder
}

type detailsState int

const (
	detailsIdle detailsState = iota
	detailsLoading
	detailsLoaded
	detailsFailed
)

type Machine struct {
	cfg      Config
	settings types.CheckoutConfig
	loop     *fsm.Loop
	log      logger.Logger
	metrics  metrics.Recorder

	notifier fsm.Notifier[Snapshot]

	mu   sync.RWMutex
	snap Snapshot

	purchased atomic.Bool
	closeOnce sync.Once
	unsub     func()

	// loop-owned
	waiting    Wait
	details    detailsState
	submitting bool
	resolveSeq uint64
	returnTo   State
	handle     *tracker.Handle
}

// New opens a checkout session on cfg.Paywall. With a single lock the lock
// is selected right away and the machine moves past SELECT once the
// connection is signed in.
func New(ctx context.Context, cfg Config) (*Machine, error) {
	switch {
	case cfg.Paywall == nil:
		return nil, types.NewError(types.ErrInvalidConfig, "paywall config is required")
	case cfg.Connection == nil:
		return nil, types.NewError(types.ErrConfigError, "a connection machine is required")
	case cfg.Settler == nil:
		return nil, types.NewError(types.ErrConfigError, "a settler is required")
	case cfg.Tracker == nil:
		return nil, types.NewError(types.ErrConfigError, "a transaction tracker is required")
	}

	sessionID := uuid.NewString()
	log := logger.OrNoop(cfg.Logger).With(map[string]any{
		"machine": "checkout",
		"session": sessionID,
	})
	m := &Machine{
		cfg:      cfg,
		settings: cfg.Settings.WithDefaults(),
		loop:     fsm.NewLoop(ctx, log),
		log:      log,
		metrics:  metrics.OrNoop(cfg.Metrics),
		snap: Snapshot{
			State: StateSelect,
			Context: Context{
				SessionID:     sessionID,
				PaywallConfig: cfg.Paywall,
				History:       []State{StateSelect},
			},
		},
	}
	m.loop.OnStale = func(name string) {
		m.metrics.IncCounter(metrics.StaleEvents, map[string]string{"state": name})
	}
	m.unsub = cfg.Connection.Subscribe(func(s connect.Snapshot) {
		m.loop.Notify("connection", func() { m.onConnection(s) })
	})

	err := m.loop.Send(ctx, func() error {
		if cfg.Paywall.Locks.Len() != 1 {
			return nil
		}
		first, _ := cfg.Paywall.Locks.First()
		m.selectLock(first.Address, first.Config, false, false)
		return m.advance()
	})
	if err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Snapshot returns the current state and context.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Subscribe registers fn for every change. fn runs on the machine's loop and
// must not call Send or Close.
func (m *Machine) Subscribe(fn func(Snapshot)) func() {
	return m.notifier.Subscribe(fn)
}

// WaitFor blocks until the machine is in one of states.
func (m *Machine) WaitFor(ctx context.Context, states ...State) (Snapshot, error) {
	for {
		changed := m.notifier.Changed()
		snap := m.Snapshot()
		if fsm.In(snap.State, states...) {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-m.loop.Done():
			return m.Snapshot(), types.NewError(types.ErrSessionClosed, "checkout session is closed")
		}
	}
}

// Purchased reports whether a key was bought during the session.
func (m *Machine) Purchased() bool { return m.purchased.Load() }

// Close cancels in-flight work, drops late completions and calls OnClose.
// It must not be called from a subscriber.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		if m.unsub != nil {
			m.unsub()
		}
		m.loop.Close()
		<-m.loop.Done()
		if m.handle != nil {
			m.handle.Stop()
		}
		m.log.Info("checkout closed", map[string]any{"purchased": m.Purchased()})
		if m.cfg.OnClose != nil {
			m.cfg.OnClose(m.Purchased())
		}
	})
}

// Send delivers ev and returns its synchronous result: a
// types.ValidationErrors for rejected input, an INVALID_TRANSITION error
// for an event the current state does not accept.
func (m *Machine) Send(ctx context.Context, ev Event) error {
	return m.loop.Send(ctx, func() error {
		err := m.dispatch(ctx, ev)
		if err != nil {
			m.log.Debug("event rejected", map[string]any{
				"event": ev.Name(),
				"state": m.state(),
				"error": err.Error(),
			})
		}
		return err
	})
}

func (m *Machine) dispatch(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case SelectLock:
		return m.onSelectLock(e)
	case SelectQuantity:
		return m.onSelectQuantity(e)
	case SubmitRecipients:
		return m.onSubmitRecipients(e)
	case SignMessage:
		return m.onSignMessage(e)
	case SubmitPassword:
		return m.onSubmitPassword(e)
	case SubmitCaptcha:
		return m.onSubmitCaptcha(e)
	case SubmitPromo:
		return m.onSubmitPromo(e)
	case SubmitGuild:
		return m.onSubmitGuild(e)
	case SelectPayment:
		return m.onSelectPayment(e)
	case SelectCard:
		return m.onSelectCard(e)
	case Confirm:
		return m.onConfirm()
	case Retry:
		return m.onRetry()
	case Back:
		return m.onBack()
	case UnlockAccount:
		return m.onUnlockAccount(ctx)
	case Disconnect:
		return m.onDisconnect(ctx)
	}
	return types.NewError(types.ErrInvalidTransition, "unknown event %T", ev)
}

func (m *Machine) state() State { return m.Snapshot().State }

func (m *Machine) current() Context { return m.Snapshot().Context }

func (m *Machine) update(fn func(*Context)) {
	m.mu.Lock()
	fn(&m.snap.Context)
	m.snap.Context.Waiting = m.waiting
	m.snap.Context.Epoch = m.loop.Epoch()
	snap := m.snap
	m.mu.Unlock()

	if snap.Purchased() {
		m.purchased.Store(true)
	}
	m.notifier.Publish(snap)
}

func (m *Machine) transition(to State, fn func(*Context)) error {
	from := m.state()
	if from != to {
		if err := transitions.Check(from, to); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.snap.State = to
	if from != to {
		m.snap.Context.History = append(m.snap.Context.History, to)
	}
	m.mu.Unlock()
	m.update(func(c *Context) {
		if fn != nil {
			fn(c)
		}
	})

	if from != to {
		m.log.Debug("checkout transition", map[string]any{"from": from, "to": to})
		m.metrics.IncCounter(metrics.Transitions, map[string]string{
			"state":   string(to),
			"network": m.networkLabel(),
		})
	}
	return nil
}

func (m *Machine) require(states ...State) error {
	cur := m.state()
	if fsm.In(cur, states...) {
		return nil
	}
	return types.NewError(types.ErrInvalidTransition, "operation not allowed in state %s", cur)
}

func (m *Machine) setWaiting(w Wait) {
	if m.waiting == w {
		return
	}
	m.waiting = w
	m.update(func(*Context) {})
}

// signedIn reports whether the connection machine has a verified signer.
func (m *Machine) signedIn() bool {
	return m.cfg.Connection.Snapshot().State == connect.SignedIn
}

func (m *Machine) account() string {
	return m.cfg.Connection.Snapshot().Context.Account
}

func (m *Machine) signer() clients.Signer {
	return m.cfg.Connection.Snapshot().Signer
}

// onConnection reacts to connection changes. It runs on the loop.
func (m *Machine) onConnection(s connect.Snapshot) {
	cur := m.state()

	if cur == StateUnlockAccount {
		switch {
		case s.State == connect.SignedIn:
		case s.State == connect.SignedOut:
		case s.State == connect.Connected && (!s.Context.IsUnlockAccount || s.Context.LastError != nil):
		default:
			return
		}
		to := m.returnTo
		m.returnTo = ""
		_ = m.transition(to, nil)
		if s.State == connect.SignedIn && m.waiting == WaitConnection {
			m.resume()
		}
		return
	}

	switch s.State {
	case connect.SignedIn:
		if m.waiting == WaitConnection {
			m.resume()
		}
	case connect.SignedOut:
		if cur != StateSelect && (preConfirm(cur) || cur == StateConfirm) {
			m.log.Info("connection lost, returning to lock selection", nil)
			m.loop.Bump()
			m.resetAccount()
		}
	}
}

// resume retries a progression that was waiting.
func (m *Machine) resume() {
	if err := m.advance(); err != nil {
		m.log.Warn("cannot resume checkout", map[string]any{"error": err.Error()})
	}
}

func (m *Machine) onUnlockAccount(ctx context.Context) error {
	cur := m.state()
	if !preConfirm(cur) {
		return types.NewError(types.ErrInvalidTransition, "operation not allowed in state %s", cur)
	}
	if err := m.cfg.Connection.StartUnlockAccount(ctx); err != nil {
		return err
	}
	m.returnTo = cur
	return m.transition(StateUnlockAccount, nil)
}

func (m *Machine) onDisconnect(ctx context.Context) error {
	if m.state() == StateMinted {
		return types.NewError(types.ErrInvalidTransition, "operation not allowed in state %s", StateMinted)
	}
	m.loop.Bump()
	if err := m.cfg.Connection.Disconnect(ctx); err != nil {
		m.log.Warn("disconnect failed", map[string]any{"error": err.Error()})
	}
	m.resetAccount()
	return nil
}

// resetAccount clears every account-dependent field and returns to SELECT
// awaiting a connection. The lock selection is kept.
func (m *Machine) resetAccount() {
	if m.handle != nil {
		m.handle.Stop()
		m.handle = nil
	}
	m.submitting = false
	m.resolveSeq++
	m.returnTo = ""

	hasLock := m.current().Lock != nil
	m.waiting = WaitNone
	if hasLock {
		m.waiting = WaitConnection
	}
	if hasLock && m.details != detailsLoaded {
		m.details = detailsIdle
	}

	_ = m.transition(StateSelect, func(c *Context) {
		c.Recipients = nil
		c.Metadata = nil
		c.KeyManagers = nil
		c.Data = nil
		c.Signature = nil
		c.Payment = types.Payment{}
		c.Mint = nil
		c.Error = nil
	})
	if hasLock && m.details == detailsIdle {
		m.loadLockDetails()
	}
}

func (m *Machine) networkLabel() string {
	lock := m.current().Lock
	if lock == nil {
		return ""
	}
	return strconv.Itoa(lock.Network)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return slices.Clone(in)
}

func cloneMetadata(in []map[string]string) []map[string]string {
	if in == nil {
		return nil
	}
	out := make([]map[string]string, len(in))
	for i, md := range in {
		out[i] = maps.Clone(md)
	}
	return out
}
