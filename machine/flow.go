package machine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/checkout/siwe"
	"github.com/vitwit/checkout/steps"
	"github.com/vitwit/checkout/types"
	"github.com/vitwit/checkout/utils"
	"golang.org/x/sync/errgroup"
)

const resolveConcurrency = 4

// advance moves to the next visible step. Leaving SELECT waits for the
// connection to be signed in; entering the hook slot or any later step
// waits for the lock details lookup. A blocked advance is recorded in
// m.waiting and retried when the missing piece arrives.
func (m *Machine) advance() error {
	cur := m.state()
	c := m.current()
	items := resolve(&c)

	next, ok := steps.Next(items, steps.Step(cur))
	if !ok {
		return types.NewError(types.ErrInvalidTransition, "no step after %s", cur)
	}
	if c.Lock == nil {
		return types.NewError(types.ErrInvalidTransition, "no lock selected")
	}

	if !m.signedIn() {
		m.setWaiting(WaitConnection)
		return nil
	}

	if after(items, next, steps.MessageToSign) && m.details != detailsLoaded {
		if m.details == detailsFailed || m.details == detailsIdle {
			m.loadLockDetails()
		}
		m.setWaiting(WaitLockDetails)
		return nil
	}

	m.waiting = WaitNone
	return m.transition(State(next), func(c *Context) {
		m.applyDefaults(c, items, next)
		c.Error = nil
	})
}

// after reports whether step comes after ref in items.
func after(items []steps.Item, step, ref steps.Step) bool {
	i, j := -1, -1
	for k, it := range items {
		switch it.Step {
		case step:
			i = k
		case ref:
			j = k
		}
	}
	return i > j && j >= 0
}

// applyDefaults fills the quantity and recipients of skipped steps.
func (m *Machine) applyDefaults(c *Context, items []steps.Item, next steps.Step) {
	if c.Quantity < 1 || c.Renew {
		c.Quantity = 1
	}
	if !after(items, next, steps.Metadata) || !steps.Skipped(items, steps.Metadata) {
		return
	}
	if len(c.Recipients) != c.Quantity {
		account := m.account()
		recipients := make([]string, c.Quantity)
		for i := range recipients {
			recipients[i] = account
		}
		c.Recipients = recipients
		c.Metadata = nil
		c.Data = nil
	}
}

func (m *Machine) onSelectLock(e SelectLock) error {
	if err := m.require(StateSelect); err != nil {
		return err
	}
	cfg := m.cfg.Paywall
	if cfg.Locks.Len() == 0 {
		return types.NewError(types.ErrInvalidConfig, "paywall config has no locks")
	}
	lockCfg, ok := cfg.Locks.Get(e.Address)
	if !ok {
		return types.ValidationErrors{{Field: "lock", Index: -1, Message: fmt.Sprintf("lock %s is not part of this checkout", e.Address)}}
	}

	c := m.current()
	same := c.Lock != nil && utils.SameAddress(c.Lock.Address, e.Address)
	if !same {
		m.loop.Bump()
	}
	m.selectLock(e.Address, lockCfg, e.Renew, e.ExistingMember)
	return m.advance()
}

// selectLock records the lock and starts its details lookup unless it is
// already selected.
func (m *Machine) selectLock(address string, lockCfg types.LockConfig, renew, existing bool) {
	c := m.current()
	same := c.Lock != nil && utils.SameAddress(c.Lock.Address, address)
	network := m.cfg.Paywall.NetworkFor(lockCfg)

	m.update(func(c *Context) {
		if !same {
			c.LockInfo = nil
			c.LockSettings = nil
			c.Hook = types.HookNone
			c.Payment = types.Payment{}
			c.Data = nil
		}
		c.Lock = &Lock{Address: address, Network: network, Config: lockCfg}
		c.Renew = renew
		c.ExistingMember = existing
		if renew {
			c.Quantity = 1
		}
	})

	if !same || m.details == detailsFailed || m.details == detailsIdle {
		m.loadLockDetails()
	}
}

// loadLockDetails fetches the lock settings, the hook classification and
// the on-chain lock state concurrently.
func (m *Machine) loadLockDetails() {
	lock := m.current().Lock
	if lock == nil {
		return
	}
	m.details = detailsLoading

	m.loop.Go("lock-details", func(ctx context.Context) func() {
		var (
			settings *types.LockSettings
			hook     types.HookType
			info     *types.LockInfo
		)
		g, gctx := errgroup.WithContext(ctx)
		if m.cfg.Storage != nil {
			g.Go(func() error {
				// Locks without off-chain settings are common.
				s, err := m.cfg.Storage.GetLockSettings(gctx, lock.Address, lock.Network)
				if err != nil {
					m.log.Debug("no lock settings", map[string]any{"lock": lock.Address, "error": err.Error()})
					return nil
				}
				settings = s
				return nil
			})
			g.Go(func() error {
				h, err := m.cfg.Storage.GetHookType(gctx, lock.Address, lock.Network)
				if err != nil {
					return fmt.Errorf("hook type: %w", err)
				}
				hook = h
				return nil
			})
		}
		if m.cfg.Web3 != nil {
			g.Go(func() error {
				l, err := m.cfg.Web3.GetLock(gctx, lock.Address, lock.Network)
				if err != nil {
					return fmt.Errorf("lock: %w", err)
				}
				info = l
				return nil
			})
		}
		err := g.Wait()

		return func() {
			if err != nil {
				m.details = detailsFailed
				m.log.Warn("lock details lookup failed", map[string]any{
					"lock":  lock.Address,
					"error": err.Error(),
				})
				m.update(func(c *Context) {
					c.Error = types.NewError(types.ErrNetworkError, "could not load lock %s: %v", lock.Address, err)
				})
				return
			}
			if hook == types.HookNone && settings != nil {
				hook = settings.Hook
			}
			m.details = detailsLoaded
			m.update(func(c *Context) {
				c.LockSettings = settings
				c.LockInfo = info
				c.Hook = hook
				if c.Error != nil && c.Error.Code == types.ErrNetworkError {
					c.Error = nil
				}
			})
			if m.waiting == WaitLockDetails {
				m.resume()
			}
		}
	})
}

func (m *Machine) effectiveRecipients() (minimum, maximum int) {
	cfg := m.cfg.Paywall
	minimum, maximum = cfg.MinRecipients, cfg.MaxRecipients
	if lock := m.current().Lock; lock != nil {
		if lock.Config.MinRecipients > 0 {
			minimum = lock.Config.MinRecipients
		}
		if lock.Config.MaxRecipients > 0 {
			maximum = lock.Config.MaxRecipients
		}
	}
	return minimum, maximum
}

func (m *Machine) onSelectQuantity(e SelectQuantity) error {
	if err := m.require(StateQuantity); err != nil {
		return err
	}

	minimum, maximum := m.effectiveRecipients()
	var verrs types.ValidationErrors
	switch {
	case e.Quantity < 1:
		verrs.Add("quantity", -1, "quantity must be at least 1")
	case maximum > 0 && e.Quantity > maximum:
		verrs.Add("quantity", -1, fmt.Sprintf("at most %d keys can be bought at once", maximum))
	case minimum > 0 && e.Quantity < minimum:
		verrs.Add("quantity", -1, fmt.Sprintf("at least %d keys must be bought", minimum))
	}
	if len(verrs) > 0 {
		return verrs
	}

	m.update(func(c *Context) {
		if c.Quantity != e.Quantity {
			c.Recipients = nil
			c.Metadata = nil
			c.KeyManagers = nil
			c.Data = nil
		}
		c.Quantity = e.Quantity
	})
	return m.advance()
}

func (m *Machine) metadataInputs() []types.MetadataInput {
	if lock := m.current().Lock; lock != nil && len(lock.Config.MetadataInputs) > 0 {
		return lock.Config.MetadataInputs
	}
	return m.cfg.Paywall.MetadataInputs
}

func (m *Machine) emailRequired() bool {
	if lock := m.current().Lock; lock != nil && lock.Config.EmailRequired {
		return true
	}
	return m.cfg.Paywall.EmailRequired
}

// validateRecipients performs the checks that need no network access.
func (m *Machine) validateRecipients(e SubmitRecipients, quantity int) types.ValidationErrors {
	var verrs types.ValidationErrors
	if len(e.Recipients) != quantity {
		verrs.Add("recipients", -1, fmt.Sprintf("expected %d recipients, got %d", quantity, len(e.Recipients)))
		return verrs
	}
	if len(e.Metadata) != 0 && len(e.Metadata) != quantity {
		verrs.Add("metadata", -1, fmt.Sprintf("expected metadata for %d recipients, got %d", quantity, len(e.Metadata)))
	}
	if len(e.KeyManagers) != 0 && len(e.KeyManagers) != quantity {
		verrs.Add("keyManagers", -1, fmt.Sprintf("expected %d key managers, got %d", quantity, len(e.KeyManagers)))
	}

	inputs := m.metadataInputs()
	emailRequired := m.emailRequired()
	for i, r := range e.Recipients {
		if !utils.IsAddressOrENS(strings.TrimSpace(r)) {
			verrs.Add("recipients", i, "must be an address or an ENS name")
		}
		if i < len(e.KeyManagers) && e.KeyManagers[i] != "" && !utils.IsAddress(e.KeyManagers[i]) {
			verrs.Add("keyManagers", i, "must be an address")
		}

		var md map[string]string
		if i < len(e.Metadata) {
			md = e.Metadata[i]
		}
		for _, in := range inputs {
			if in.Required && strings.TrimSpace(md[in.Name]) == "" && in.DefaultValue == "" {
				verrs.Add(in.Name, i, fmt.Sprintf("%s is required", in.Name))
			}
		}
		if emailRequired {
			email := strings.TrimSpace(md["email"])
			if email == "" {
				verrs.Add("email", i, "email is required")
			} else if err := utils.ValidateVar(email, "email"); err != nil {
				verrs.Add("email", i, "invalid email address")
			}
		}
	}
	return verrs
}

func (m *Machine) onSubmitRecipients(e SubmitRecipients) error {
	if err := m.require(StateMetadata); err != nil {
		return err
	}
	quantity := m.current().Quantity
	if verrs := m.validateRecipients(e, quantity); len(verrs) > 0 {
		return verrs
	}

	recipients := make([]string, len(e.Recipients))
	var names []int
	for i, r := range e.Recipients {
		recipients[i] = strings.TrimSpace(r)
		if !utils.IsAddress(recipients[i]) {
			names = append(names, i)
		}
	}
	metadata := cloneMetadata(e.Metadata)
	keyManagers := cloneStrings(e.KeyManagers)

	store := func(resolved []string) error {
		m.update(func(c *Context) {
			c.Recipients = resolved
			c.Metadata = metadata
			c.KeyManagers = keyManagers
			c.Data = nil
			c.Error = nil
		})
		return m.advance()
	}
	if len(names) == 0 || m.cfg.Web3 == nil {
		if len(names) > 0 {
			var verrs types.ValidationErrors
			for _, i := range names {
				verrs.Add("recipients", i, "ENS names cannot be resolved")
			}
			return verrs
		}
		return store(recipients)
	}

	m.resolveSeq++
	seq := m.resolveSeq
	m.setWaiting(WaitRecipients)

	m.loop.Go("resolve-recipients", func(ctx context.Context) func() {
		resolved := slices.Clone(recipients)
		failed := make([]string, len(recipients))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(resolveConcurrency)
		for _, i := range names {
			g.Go(func() error {
				addr, err := m.cfg.Web3.ResolveName(gctx, recipients[i])
				switch {
				case err != nil:
					failed[i] = fmt.Sprintf("could not resolve %s: %v", recipients[i], err)
				case !utils.IsAddress(addr):
					failed[i] = fmt.Sprintf("%s does not resolve to an address", recipients[i])
				default:
					resolved[i] = common.HexToAddress(addr).Hex()
				}
				return nil
			})
		}
		_ = g.Wait()

		return func() {
			if seq != m.resolveSeq || m.state() != StateMetadata {
				return
			}
			m.waiting = WaitNone
			var verrs types.ValidationErrors
			for i, msg := range failed {
				if msg != "" {
					verrs.Add("recipients", i, msg)
				}
			}
			if len(verrs) > 0 {
				m.update(func(c *Context) {
					c.Error = &types.CheckoutError{Code: types.ErrValidationFailed, Message: verrs.Error(), Data: verrs}
				})
				return
			}
			if err := store(resolved); err != nil {
				m.log.Warn("cannot leave recipients step", map[string]any{"error": err.Error()})
			}
		}
	})
	return nil
}

func (m *Machine) onSignMessage(e SignMessage) error {
	if err := m.require(StateMessageToSign); err != nil {
		return err
	}
	if !utils.IsAddress(e.Address) {
		return types.ValidationErrors{{Field: "address", Index: -1, Message: "invalid signer address"}}
	}
	if account := m.account(); account != "" && !utils.SameAddress(account, e.Address) {
		return types.ValidationErrors{{Field: "address", Index: -1, Message: "message must be signed by the connected account"}}
	}
	if err := siwe.Verify(m.cfg.Paywall.MessageToSign, e.Signature, common.HexToAddress(e.Address)); err != nil {
		return types.ValidationErrors{{Field: "signature", Index: -1, Message: err.Error()}}
	}

	sig := slices.Clone(e.Signature)
	m.update(func(c *Context) {
		c.Signature = &MessageSignature{Address: e.Address, Signature: sig}
	})
	return m.advance()
}

func (m *Machine) onSelectPayment(e SelectPayment) error {
	if err := m.require(StatePayment); err != nil {
		return err
	}
	c := m.current()

	switch e.Method {
	case types.PaymentCrypto, types.PaymentCard, types.PaymentUniversalCard:
	case types.PaymentClaim:
		if !m.free(&c) {
			return types.ValidationErrors{{Field: "payment", Index: -1, Message: "claim is only available on free locks"}}
		}
	default:
		return types.ValidationErrors{{Field: "payment", Index: -1, Message: fmt.Sprintf("unknown payment method %q", e.Method)}}
	}

	m.update(func(c *Context) {
		c.Payment = types.Payment{Method: e.Method, CardID: e.CardID}
	})
	return m.advance()
}

// free reports whether the selected lock costs nothing, using the
// configured price override first.
func (m *Machine) free(c *Context) bool {
	if c.Lock != nil && c.Lock.Config.Price != nil {
		return c.Lock.Config.Price.IsZero()
	}
	return c.LockInfo.IsFree()
}

func (m *Machine) onSelectCard(e SelectCard) error {
	if err := m.require(StateCard); err != nil {
		return err
	}
	if strings.TrimSpace(e.CardID) == "" {
		return types.ValidationErrors{{Field: "card", Index: -1, Message: "select a card"}}
	}
	m.update(func(c *Context) {
		c.Payment.CardID = e.CardID
	})
	return m.advance()
}

func (m *Machine) onBack() error {
	cur := m.state()
	if !preConfirm(cur) && cur != StateConfirm {
		return types.NewError(types.ErrInvalidTransition, "cannot go back from %s", cur)
	}
	c := m.current()
	prev, ok := steps.Previous(resolve(&c), steps.Step(cur))
	if !ok {
		return types.NewError(types.ErrInvalidTransition, "no step before %s", cur)
	}

	if m.submitting {
		m.loop.Bump()
		m.submitting = false
	}
	m.resolveSeq++
	m.waiting = WaitNone
	return m.transition(State(prev), func(c *Context) { c.Error = nil })
}
