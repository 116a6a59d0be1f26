// Package connect resolves an authenticated signer: wallet connection,
// sign-in-with-ethereum and the email/password Unlock account flow.
package connect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vitwit/checkout/clients"
	"github.com/vitwit/checkout/fsm"
	"github.com/vitwit/checkout/logger"
	"github.com/vitwit/checkout/metrics"
	"github.com/vitwit/checkout/types"
	"github.com/vitwit/checkout/unlockaccount"
)

const signOutTimeout = 10 * time.Second

type Config struct {
	Web3     clients.Web3Service
	SIWE     clients.SIWE
	Accounts *unlockaccount.Provider
	// InjectedProvider is handed to Web3Service.Connect for METAMASK.
	InjectedProvider any
	// UseDelegatedProvider makes every attached signer sign in automatically.
	UseDelegatedProvider bool
	Logger               logger.Logger
	Metrics              metrics.Recorder
}

type Machine struct {
	cfg     Config
	loop    *fsm.Loop
	log     logger.Logger
	metrics metrics.Recorder

	notifier fsm.Notifier[Snapshot]

	mu   sync.RWMutex
	snap Snapshot

	// loop-owned
	signer      clients.Signer
	returnTo    State
	connectedAt time.Time
}

// New starts a connection machine in SIGNED_OUT.
func New(ctx context.Context, cfg Config) *Machine {
	log := logger.OrNoop(cfg.Logger).With(map[string]any{"machine": "connect"})
	m := &Machine{
		cfg:     cfg,
		loop:    fsm.NewLoop(ctx, log),
		log:     log,
		metrics: metrics.OrNoop(cfg.Metrics),
		snap:    Snapshot{State: SignedOut},
	}
	m.loop.OnStale = func(name string) {
		m.metrics.IncCounter(metrics.StaleEvents, map[string]string{"state": name})
	}
	return m
}

// Snapshot returns the current state and context.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Signer returns the attached signer, if any.
func (m *Machine) Signer() clients.Signer {
	return m.Snapshot().Signer
}

// Subscribe registers fn for every change. fn runs on the machine's loop and
// must not call back into this machine synchronously.
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
			return m.Snapshot(), types.NewError(types.ErrSessionClosed, "connection machine is closed")
		}
	}
}

// Close stops the machine. In-flight completions are dropped.
func (m *Machine) Close() { m.loop.Close() }

func (m *Machine) update(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.snap)
	snap := m.snap
	m.mu.Unlock()
	m.notifier.Publish(snap)
}

func (m *Machine) transition(to State, fn func(*Context)) error {
	from := m.Snapshot().State
	if from != to {
		if err := transitions.Check(from, to); err != nil {
			return err
		}
	}
	m.update(func(s *Snapshot) {
		s.State = to
		s.Signer = m.signer
		if fn != nil {
			fn(&s.Context)
		}
	})
	if from != to {
		m.log.Debug("connection transition", map[string]any{"from": from, "to": to})
		m.metrics.IncCounter(metrics.Transitions, map[string]string{"state": string(to)})
	}
	return nil
}

func (m *Machine) require(states ...State) error {
	cur := m.Snapshot().State
	if fsm.In(cur, states...) {
		return nil
	}
	return types.NewError(types.ErrInvalidTransition, "operation not allowed in state %s", cur)
}

func (m *Machine) fail(to State, code string, err error) {
	ce := &types.CheckoutError{Code: code, Message: err.Error()}
	var verrs types.ValidationErrors
	if errors.As(err, &verrs) {
		ce.Code = types.ErrValidationFailed
		ce.Data = verrs
	}
	m.log.Warn("connection step failed", map[string]any{"code": ce.Code, "error": err})
	if to == SignedOut {
		m.signer = nil
	}
	_ = m.transition(to, func(c *Context) {
		if to == SignedOut {
			*c = Context{}
		}
		c.LastError = ce
	})
}

// Connect attaches a wallet of the given kind. UNLOCK starts the
// email/password flow instead.
func (m *Machine) Connect(ctx context.Context, kind types.ProviderKind) error {
	if kind == types.ProviderUnlock {
		return m.StartUnlockAccount(ctx)
	}
	return m.loop.Send(ctx, func() error {
		if err := m.require(SignedOut); err != nil {
			return err
		}
		if m.cfg.Web3 == nil {
			return types.NewError(types.ErrProviderUnavailable, "no wallet service configured")
		}
		m.connectedAt = time.Now()
		if err := m.transition(Connecting, func(c *Context) {
			c.Provider = kind
			c.LastError = nil
		}); err != nil {
			return err
		}

		m.loop.Go("connect", func(ctx context.Context) func() {
			signer, err := m.cfg.Web3.Connect(ctx, kind, m.cfg.InjectedProvider)
			return func() {
				if err != nil {
					m.fail(SignedOut, clients.ClassifyConnectError(err), err)
					return
				}
				if signer == nil {
					m.fail(SignedOut, types.ErrProviderUnavailable, errors.New("provider returned no signer"))
					return
				}
				m.attach(signer, kind)
			}
		})
		return nil
	})
}

// attach records a resolved signer and starts sign-in on its own when the
// signer is an Unlock account or a delegated provider is in use.
func (m *Machine) attach(signer clients.Signer, kind types.ProviderKind) {
	m.signer = signer
	unlock := clients.IsUnlockAccount(signer)
	email := ""
	if as, ok := signer.(clients.AccountSigner); ok {
		email = as.Email()
	}

	_ = m.transition(Connected, func(c *Context) {
		c.Account = signer.Address().Hex()
		c.Email = email
		c.IsUnlockAccount = unlock
		c.Connected = true
		c.IsSignedIn = false
		c.Provider = kind
		c.LastError = nil
	})
	if !m.connectedAt.IsZero() {
		m.metrics.ObserveLatency(metrics.ConnectLatency, time.Since(m.connectedAt), map[string]string{"state": string(kind)})
	}

	if unlock || m.cfg.UseDelegatedProvider || kind == types.ProviderDelegated {
		m.startSigning()
	}
}

func (m *Machine) startSigning() {
	if m.cfg.SIWE == nil {
		_ = m.transition(SignedIn, func(c *Context) { c.IsSignedIn = true })
		return
	}
	if err := m.transition(Signing, nil); err != nil {
		m.log.Error("cannot start sign-in", map[string]any{"error": err})
		return
	}

	signer := m.signer
	m.loop.Go("sign-in", func(ctx context.Context) func() {
		err := m.cfg.SIWE.SignIn(ctx, signer)
		return func() {
			if err != nil {
				code := types.ErrConnectionFailed
				if clients.IsUserRejection(err) {
					code = types.ErrUserRejected
				}
				m.fail(Connected, code, err)
				return
			}
			_ = m.transition(SignedIn, func(c *Context) {
				c.IsSignedIn = true
				c.LastError = nil
			})
		}
	})
}

// SignIn requests the SIWE signature for the attached signer.
func (m *Machine) SignIn(ctx context.Context) error {
	return m.loop.Send(ctx, func() error {
		if err := m.require(Connected); err != nil {
			return err
		}
		m.startSigning()
		return nil
	})
}

// StartUnlockAccount enters the email step of the Unlock account flow.
func (m *Machine) StartUnlockAccount(ctx context.Context) error {
	return m.loop.Send(ctx, func() error {
		cur := m.Snapshot().State
		if err := m.require(SignedOut, Connected); err != nil {
			return err
		}
		if m.cfg.Accounts == nil {
			return types.NewError(types.ErrProviderUnavailable, "unlock accounts are not configured")
		}
		m.returnTo = cur
		return m.transition(UnlockEmail, func(c *Context) {
			c.Provider = types.ProviderUnlock
			c.LastError = nil
		})
	})
}

// SubmitEmail looks the email up and moves to the sign-in or sign-up form.
func (m *Machine) SubmitEmail(ctx context.Context, email string) error {
	return m.loop.Send(ctx, func() error {
		if err := m.require(UnlockEmail); err != nil {
			return err
		}
		email = unlockaccount.NormalizeEmail(email)
		if err := unlockaccount.ValidateEmail(email); err != nil {
			return err
		}
		m.update(func(s *Snapshot) {
			s.Context.Email = email
			s.Context.LastError = nil
		})

		m.loop.Go("user-exists", func(ctx context.Context) func() {
			exists, err := m.cfg.Accounts.UserExists(ctx, email)
			return func() {
				if err != nil {
					m.fail(UnlockEmail, types.ErrNetworkError, err)
					return
				}
				next := UnlockSignUp
				if exists {
					next = UnlockPassword
				}
				_ = m.transition(next, func(c *Context) { c.ExistingUser = exists })
			}
		})
		return nil
	})
}

// OnSignUp switches from the sign-in form to the sign-up form.
func (m *Machine) OnSignUp(ctx context.Context) error {
	return m.loop.Send(ctx, func() error {
		if err := m.require(UnlockPassword); err != nil {
			return err
		}
		return m.transition(UnlockSignUp, func(c *Context) { c.LastError = nil })
	})
}

// OnSignIn switches from the sign-up form to the sign-in form.
func (m *Machine) OnSignIn(ctx context.Context) error {
	return m.loop.Send(ctx, func() error {
		if err := m.require(UnlockSignUp); err != nil {
			return err
		}
		return m.transition(UnlockPassword, func(c *Context) { c.LastError = nil })
	})
}

// SignUp creates the account. A mismatched or short password is returned
// as a validation error and the form stays open.
func (m *Machine) SignUp(ctx context.Context, password, confirm string) error {
	return m.loop.Send(ctx, func() error {
		if err := m.require(UnlockSignUp); err != nil {
			return err
		}
		if err := unlockaccount.ValidatePassword(password, confirm); err != nil {
			return err
		}
		email := m.Snapshot().Context.Email

		m.loop.Go("sign-up", func(ctx context.Context) func() {
			signer, err := m.cfg.Accounts.SignUp(ctx, email, password)
			return func() {
				if err != nil {
					m.fail(UnlockSignUp, types.ErrConnectionFailed, err)
					return
				}
				m.attach(signer, types.ProviderUnlock)
			}
		})
		return nil
	})
}

// SignInWithPassword decrypts the account key. A wrong password leaves the
// form open with a validation error in LastError.
func (m *Machine) SignInWithPassword(ctx context.Context, password string) error {
	return m.loop.Send(ctx, func() error {
		if err := m.require(UnlockPassword); err != nil {
			return err
		}
		if password == "" {
			return types.ValidationErrors{{Field: "password", Index: -1, Message: "password is required"}}
		}
		email := m.Snapshot().Context.Email

		m.loop.Go("password-sign-in", func(ctx context.Context) func() {
			signer, err := m.cfg.Accounts.SignIn(ctx, email, password)
			return func() {
				if err != nil {
					m.fail(UnlockPassword, types.ErrConnectionFailed, err)
					return
				}
				m.attach(signer, types.ProviderUnlock)
			}
		})
		return nil
	})
}

// Cancel abandons the flow in progress: the Unlock account forms return to
// where they were opened from, a pending handshake or signature is dropped.
func (m *Machine) Cancel(ctx context.Context) error {
	return m.loop.Send(ctx, func() error {
		switch cur := m.Snapshot().State; cur {
		case UnlockEmail, UnlockPassword, UnlockSignUp:
			m.loop.Bump()
			to := m.returnTo
			if to != Connected || m.signer == nil {
				to = SignedOut
			}
			if to == SignedOut {
				m.signer = nil
				return m.transition(SignedOut, func(c *Context) { *c = Context{} })
			}
			return m.transition(Connected, func(c *Context) { c.LastError = nil })
		case Connecting:
			m.loop.Bump()
			m.signer = nil
			return m.transition(SignedOut, func(c *Context) { *c = Context{} })
		case Signing:
			m.loop.Bump()
			return m.transition(Connected, nil)
		default:
			return nil
		}
	})
}

// Disconnect signs out, detaches the signer and returns to SIGNED_OUT.
func (m *Machine) Disconnect(ctx context.Context) error {
	return m.loop.Send(ctx, func() error {
		cur := m.Snapshot().State
		if cur == SignedOut {
			return nil
		}
		m.loop.Bump()
		wasSignedIn := m.Snapshot().Context.IsSignedIn
		m.signer = nil
		m.returnTo = ""

		m.signOut(wasSignedIn)
		return m.transition(SignedOut, func(c *Context) { *c = Context{} })
	})
}

// signOut clears the SIWE session and the wallet connection in the
// background; it outlives Close.
func (m *Machine) signOut(siwe bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.loop.Context()), signOutTimeout)
	go func() {
		defer cancel()
		if siwe && m.cfg.SIWE != nil {
			if err := m.cfg.SIWE.SignOut(ctx); err != nil {
				m.log.Warn("siwe sign out failed", map[string]any{"error": err})
			}
		}
		if m.cfg.Web3 != nil {
			if err := m.cfg.Web3.Disconnect(ctx); err != nil {
				m.log.Warn("wallet disconnect failed", map[string]any{"error": err})
			}
		}
	}()
}
