package machine

import (
	"context"
	"strconv"

	"github.com/vitwit/checkout/clients"
	"github.com/vitwit/checkout/metrics"
	"github.com/vitwit/checkout/settlement"
	"github.com/vitwit/checkout/tracker"
	"github.com/vitwit/checkout/types"
	"github.com/vitwit/checkout/verification"
)

func (m *Machine) onConfirm() error {
	if err := m.require(StateConfirm); err != nil {
		return err
	}
	if m.submitting {
		return types.NewError(types.ErrInvalidTransition, "a submission is already in flight")
	}
	if !m.signedIn() {
		return types.NewError(types.ErrConnectionFailed, "wallet is not signed in")
	}

	c := m.current()
	vreq, sreq := m.requests(&c)
	m.submitting = true
	m.waiting = WaitSubmission
	m.update(func(c *Context) { c.Error = nil })

	m.loop.Go("confirm", func(ctx context.Context) func() {
		if m.cfg.Verifier != nil {
			res, err := m.cfg.Verifier.Verify(ctx, vreq)
			if err != nil {
				return func() { m.submissionFailed(clients.WrapSubmissionError(err)) }
			}
			if !res.Valid {
				return func() { m.verificationFailed(res) }
			}
		}

		res, err := m.cfg.Settler.Settle(ctx, sreq)
		return func() {
			if err != nil {
				m.submissionFailed(clients.WrapSubmissionError(err))
				return
			}
			m.submitted(res)
		}
	})
	return nil
}

// requests builds the verification and settlement inputs from c.
func (m *Machine) requests(c *Context) (*verification.Request, *settlement.Request) {
	lock := c.Lock
	buyer := m.account()

	vreq := &verification.Request{
		LockAddress: lock.Address,
		Network:     lock.Network,
		Quantity:    c.Quantity,
		Payment:     c.Payment.Method,
		Buyer:       buyer,
		Renew:       c.Renew,
		Price:       lock.Config.Price,
		Lock:        c.LockInfo,
	}

	sreq := &settlement.Request{
		LockAddress:       lock.Address,
		Network:           lock.Network,
		Payment:           c.Payment,
		Recipients:        cloneStrings(c.Recipients),
		KeyManagers:       cloneStrings(c.KeyManagers),
		Referrer:          m.cfg.Paywall.Referrer,
		Data:              c.Data,
		Metadata:          cloneMetadata(c.Metadata),
		Email:             m.cfg.Connection.Snapshot().Context.Email,
		RecurringPayments: lock.Config.RecurringPayments,
		Renew:             c.Renew,
		Signer:            m.signer(),
	}
	if len(c.Metadata) > 0 && c.Metadata[0]["email"] != "" {
		sreq.Email = c.Metadata[0]["email"]
	}
	if lock.Config.Price != nil {
		sreq.KeyPrice = *lock.Config.Price
	} else if c.LockInfo != nil {
		sreq.KeyPrice = c.LockInfo.KeyPrice
	}
	if sreq.Referrer == "" {
		sreq.Referrer = buyer
	}
	return vreq, sreq
}

// verificationFailed keeps the machine in CONFIRM with the failed check
// recorded; nothing was submitted.
func (m *Machine) verificationFailed(res *verification.Result) {
	m.submitting = false
	m.waiting = WaitNone
	m.log.Info("purchase verification failed", map[string]any{"code": res.Code, "reason": res.Reason})
	m.update(func(c *Context) {
		c.Error = &types.CheckoutError{Code: res.Code, Message: res.Reason}
	})
}

func (m *Machine) submissionFailed(cerr *types.CheckoutError) {
	m.submitting = false
	m.waiting = WaitNone
	m.log.Warn("purchase submission failed", map[string]any{"code": cerr.Code, "error": cerr.Message})
	_ = m.transition(StateError, func(c *Context) {
		c.Error = cerr
		c.Mint = nil
	})
}

func (m *Machine) submitted(res *settlement.Result) {
	m.submitting = false
	m.waiting = WaitNone

	mint := types.Mint{
		Status:          types.TransactionProcessing,
		TransactionHash: res.TransactionHash,
		Network:         res.Network,
		Owner:           res.Owner,
		ExplorerURL:     m.settings.ExplorerTxURL(res.Network, res.TransactionHash),
	}
	if err := m.transition(StateMinting, func(c *Context) { c.Mint = &mint }); err != nil {
		m.log.Error("cannot record submitted transaction", map[string]any{"hash": res.TransactionHash, "error": err.Error()})
		return
	}
	if !m.cfg.Paywall.Pessimistic {
		m.transactionSent(mint)
	}
	m.track(mint)
}

func (m *Machine) transactionSent(mint types.Mint) {
	if m.cfg.OnTransactionSent != nil {
		m.cfg.OnTransactionSent(mint)
	}
}

// track starts the confirmation tracker. Its updates are dropped once the
// epoch moves on.
func (m *Machine) track(mint types.Mint) {
	epoch := m.loop.Epoch()
	req := tracker.Request{
		TransactionHash:       mint.TransactionHash,
		Network:               mint.Network,
		RequiredConfirmations: m.settings.RequiredConfirmations,
	}

	h, err := m.cfg.Tracker.Watch(m.loop.Context(), req, func(r tracker.Result) {
		m.loop.Post(epoch, "mint", func() { m.onMint(r) })
	})
	if err != nil {
		m.log.Error("cannot track transaction", map[string]any{"hash": mint.TransactionHash, "error": err.Error()})
		_ = m.transition(StateError, func(c *Context) {
			failed := mint
			failed.Status = types.TransactionError
			c.Mint = &failed
			c.Error = &types.CheckoutError{Code: types.ErrorCode(err, types.ErrNetworkError), Message: err.Error()}
		})
		return
	}
	m.handle = h
}

func (m *Machine) onMint(r tracker.Result) {
	if m.state() != StateMinting {
		return
	}
	c := m.current()
	if c.Mint == nil || c.Mint.TransactionHash != r.TransactionHash {
		return
	}
	mint := *c.Mint
	mint.Status = r.Status
	mint.Confirmations = r.Confirmations
	labels := map[string]string{"network": strconv.Itoa(mint.Network)}

	switch r.Status {
	case types.TransactionFinished:
		m.handle = nil
		m.metrics.IncCounter(metrics.MintFinished, labels)
		_ = m.transition(StateMinted, func(c *Context) { c.Mint = &mint })
		if m.cfg.Paywall.Pessimistic {
			m.transactionSent(mint)
		}
	case types.TransactionError:
		m.handle = nil
		m.metrics.IncCounter(metrics.MintFailed, labels)
		_ = m.transition(StateError, func(c *Context) {
			c.Mint = &mint
			c.Error = types.NewError(types.ErrTransactionFailed, "transaction %s failed", mint.TransactionHash)
		})
	default:
		m.update(func(c *Context) { c.Mint = &mint })
	}
}

func (m *Machine) onRetry() error {
	if err := m.require(StateError); err != nil {
		return err
	}
	if m.handle != nil {
		m.handle.Stop()
		m.handle = nil
	}
	m.waiting = WaitNone
	return m.transition(StateConfirm, func(c *Context) {
		c.Error = nil
		c.Mint = nil
	})
}
