package machine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/checkout/clients"
	"github.com/vitwit/checkout/connect"
	"github.com/vitwit/checkout/metrics"
	"github.com/vitwit/checkout/siwe"
	"github.com/vitwit/checkout/types"
)

const purchaseHash = "0x5c504ed432cb51138bcf09aa5e8a410dd4a1e204ef84bfed1be16dfba1b22060"

func (h *harness) until(t *testing.T, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.m.Snapshot()) }, 2*time.Second, 5*time.Millisecond)
	return h.m.Snapshot()
}

func checkoutCode(t *testing.T, err error) string {
	t.Helper()
	var cerr *types.CheckoutError
	require.True(t, errors.As(err, &cerr), "expected a checkout error, got %v", err)
	return cerr.Code
}

// toPayment signs in on a single-lock config that skips every input step.
func toPayment(t *testing.T, h *harness) Snapshot {
	t.Helper()
	h.signIn()
	return h.waitFor(t, StatePayment)
}

func TestFreeSingleLockClaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(freeLock(lockA)))
	h.chain.mine("0xabc", 1)

	snap := toPayment(t, h)
	assert.Equal(t, 1, snap.Context.Quantity)
	assert.Equal(t, []string{h.signer.Address().Hex()}, snap.Context.Recipients)
	require.NotNil(t, snap.Context.LockInfo)

	h.send(t, SelectPayment{Method: types.PaymentClaim})
	h.waitFor(t, StateConfirm)
	h.send(t, Confirm{})

	snap = h.waitFor(t, StateMinted)
	require.NotNil(t, snap.Context.Mint)
	assert.Equal(t, "0xabc", snap.Context.Mint.TransactionHash)
	assert.Equal(t, "0xdef", snap.Context.Mint.Owner)
	assert.Equal(t, types.TransactionFinished, snap.Context.Mint.Status)
	assert.Equal(t, []State{StateSelect, StatePayment, StateConfirm, StateMinting, StateMinted}, snap.Context.History)
	assert.True(t, snap.Purchased())
	assert.True(t, h.m.Purchased())
	assert.Equal(t, 1, h.web3.claimCount())

	sent := h.sentMints()
	require.Len(t, sent, 1)
	assert.Equal(t, types.TransactionProcessing, sent[0].Status)
	assert.Equal(t, 1, h.metrics.count(metrics.MintFinished))

	h.m.Close()
	assert.True(t, <-h.closed)
}

func TestTwoLocksQuantityTwo(t *testing.T) {
	t.Parallel()

	h := newHarness(t, twoLocks(), withLock(paidLock(lockA, "0.01")), withLock(paidLock(lockB, "0.02")))
	h.chain.mine(purchaseHash, 1)
	h.signIn()

	h.send(t, SelectLock{Address: lockA})
	h.waitFor(t, StateQuantity)
	h.send(t, SelectQuantity{Quantity: 2})
	h.waitFor(t, StateMetadata)

	err := h.m.Send(context.Background(), SubmitRecipients{Recipients: []string{recipient1}})
	var verrs types.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.NotEmpty(t, verrs.Field("recipients"))
	assert.Equal(t, StateMetadata, h.m.Snapshot().State)

	h.send(t, SubmitRecipients{Recipients: []string{recipient1, recipient2}})
	h.waitFor(t, StatePayment)
	h.send(t, SelectPayment{Method: types.PaymentCrypto})
	h.waitFor(t, StateConfirm)
	h.send(t, Confirm{})

	snap := h.waitFor(t, StateMinted)
	assert.Equal(t, []State{
		StateSelect, StateQuantity, StateMetadata, StatePayment, StateConfirm, StateMinting, StateMinted,
	}, snap.Context.History)

	h.web3.mu.Lock()
	defer h.web3.mu.Unlock()
	require.Len(t, h.web3.purchases, 1)
	p := h.web3.purchases[0]
	assert.Equal(t, []string{recipient1, recipient2}, p.Owners)
	assert.True(t, decimal.RequireFromString("0.01").Equal(p.KeyPrice))
	assert.Equal(t, []string{h.signer.Address().Hex(), h.signer.Address().Hex()}, p.Referrers)
}

func TestUserRejectionThenRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(paidLock(lockA, "0.01")), func(h *harness) {
		h.web3.purchaseErr = &clients.ProviderError{Code: clients.ProviderCodeUserRejected, Message: "User rejected the request."}
	})
	toPayment(t, h)
	h.send(t, SelectPayment{Method: types.PaymentCrypto})
	h.waitFor(t, StateConfirm)
	h.send(t, Confirm{})

	snap := h.waitFor(t, StateError)
	require.NotNil(t, snap.Context.Error)
	assert.Equal(t, types.ErrUserRejected, snap.Context.Error.Code)
	assert.Nil(t, snap.Context.Mint)
	assert.False(t, h.m.Purchased())
	assert.Empty(t, h.sentMints())

	h.send(t, Retry{})
	snap = h.waitFor(t, StateConfirm)
	assert.Nil(t, snap.Context.Error)
	assert.Nil(t, snap.Context.Mint)
}

func TestRevertedTransaction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(paidLock(lockA, "0.01")))
	h.chain.mine(purchaseHash, 0)
	toPayment(t, h)
	h.send(t, SelectPayment{Method: types.PaymentCrypto})
	h.waitFor(t, StateConfirm)
	h.send(t, Confirm{})

	snap := h.waitFor(t, StateError)
	require.NotNil(t, snap.Context.Mint)
	assert.Equal(t, purchaseHash, snap.Context.Mint.TransactionHash)
	assert.Equal(t, types.TransactionError, snap.Context.Mint.Status)
	require.NotNil(t, snap.Context.Error)
	assert.Equal(t, types.ErrTransactionFailed, snap.Context.Error.Code)
	assert.Equal(t, 1, h.metrics.count(metrics.MintFailed))

	// Submission already counted as a purchase in optimistic mode.
	assert.True(t, h.m.Purchased())
	assert.Len(t, h.sentMints(), 1)
}

func TestPessimisticNotifiesWhenFinal(t *testing.T) {
	t.Parallel()

	paywall := singleLock(types.LockConfig{SkipRecipient: true})
	paywall.Pessimistic = true
	h := newHarness(t, paywall, withLock(freeLock(lockA)))
	toPayment(t, h)
	h.send(t, SelectPayment{Method: types.PaymentClaim})
	h.waitFor(t, StateConfirm)
	h.send(t, Confirm{})

	snap := h.waitFor(t, StateMinting)
	assert.False(t, snap.Purchased())
	assert.Empty(t, h.sentMints())

	h.chain.mine("0xabc", 1)
	h.waitFor(t, StateMinted)
	sent := h.sentMints()
	require.Len(t, sent, 1)
	assert.Equal(t, types.TransactionFinished, sent[0].Status)
	assert.True(t, h.m.Purchased())
}

func TestInsufficientBalanceStaysInConfirm(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(paidLock(lockA, "1")), func(h *harness) {
		h.web3.balance = decimal.Zero
	})
	toPayment(t, h)
	h.send(t, SelectPayment{Method: types.PaymentCrypto})
	h.waitFor(t, StateConfirm)
	h.send(t, Confirm{})

	snap := h.until(t, func(s Snapshot) bool { return s.Context.Error != nil })
	assert.Equal(t, StateConfirm, snap.State)
	assert.Equal(t, types.ErrInsufficientBalance, snap.Context.Error.Code)
	assert.Equal(t, WaitNone, snap.Context.Waiting)
	assert.Zero(t, h.web3.purchaseCount())

	// A new attempt is accepted once the previous check settled.
	require.NoError(t, h.m.Send(context.Background(), Confirm{}))
}

func TestWaitsForConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(freeLock(lockA)))

	snap := h.until(t, func(s Snapshot) bool { return s.Context.Waiting == WaitConnection })
	assert.Equal(t, StateSelect, snap.State)
	require.NotNil(t, snap.Context.Lock)
	assert.Equal(t, lockA, snap.Context.Lock.Address)
	assert.Equal(t, types.NetworkSepolia, snap.Context.Lock.Network)

	h.signIn()
	snap = h.waitFor(t, StatePayment)
	assert.Equal(t, WaitNone, snap.Context.Waiting)
}

func TestLockDetailsFailureBlocksProgress(t *testing.T) {
	t.Parallel()

	// lockA is unknown to the chain fake.
	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}))
	h.signIn()

	snap := h.until(t, func(s Snapshot) bool {
		return s.Context.Error != nil && s.Context.Waiting == WaitLockDetails
	})
	assert.Equal(t, StateSelect, snap.State)
	assert.Equal(t, types.ErrNetworkError, snap.Context.Error.Code)
}

func TestDisconnectResetsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(freeLock(lockA)))
	toPayment(t, h)
	h.send(t, SelectPayment{Method: types.PaymentClaim})
	h.waitFor(t, StateConfirm)

	h.send(t, Disconnect{})
	snap := h.m.Snapshot()
	assert.Equal(t, StateSelect, snap.State)
	assert.Nil(t, snap.Context.Recipients)
	assert.Empty(t, snap.Context.Payment.Method)
	assert.NotNil(t, snap.Context.Lock)
	assert.Equal(t, WaitConnection, snap.Context.Waiting)
	assert.Equal(t, 1, h.conn.disconnectCount())

	other := newSigner(t)
	h.conn.signIn(other)
	snap = h.waitFor(t, StatePayment)
	assert.Equal(t, []string{other.Address().Hex()}, snap.Context.Recipients)
}

func TestSignOutReturnsToSelect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, twoLocks(), withLock(freeLock(lockA)))
	h.signIn()
	h.send(t, SelectLock{Address: lockA})
	h.waitFor(t, StateQuantity)

	h.conn.signOut()
	snap := h.waitFor(t, StateSelect)
	assert.Equal(t, WaitConnection, snap.Context.Waiting)
	assert.Equal(t, 0, h.conn.disconnectCount())
}

func TestBackDropsLateSubmission(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(paidLock(lockA, "0.01")), func(h *harness) {
		h.web3.gate = gate
	})
	toPayment(t, h)
	h.send(t, SelectPayment{Method: types.PaymentCrypto})
	h.waitFor(t, StateConfirm)
	h.send(t, Confirm{})
	h.until(t, func(s Snapshot) bool { return s.Context.Waiting == WaitSubmission })

	h.send(t, Back{})
	assert.Equal(t, StatePayment, h.m.Snapshot().State)
	close(gate)

	require.Eventually(t, func() bool { return h.metrics.count(metrics.StaleEvents) > 0 }, 2*time.Second, 5*time.Millisecond)
	snap := h.m.Snapshot()
	assert.Equal(t, StatePayment, snap.State)
	assert.Nil(t, snap.Context.Mint)
	assert.Empty(t, h.sentMints())
}

func TestConfirmRequiresSignedIn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(freeLock(lockA)))
	toPayment(t, h)
	h.send(t, SelectPayment{Method: types.PaymentClaim})
	h.waitFor(t, StateConfirm)

	h.conn.drop()
	err := h.m.Send(context.Background(), Confirm{})
	assert.Equal(t, types.ErrConnectionFailed, checkoutCode(t, err))
	assert.Equal(t, StateConfirm, h.m.Snapshot().State)
	assert.Equal(t, 0, h.web3.claimCount())
}

func TestSignOutAtConfirmResetsAccount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(freeLock(lockA)))
	toPayment(t, h)
	h.send(t, SelectPayment{Method: types.PaymentClaim})
	h.waitFor(t, StateConfirm)

	h.conn.signOut()
	snap := h.waitFor(t, StateSelect)
	assert.Nil(t, snap.Context.Recipients)
	assert.Empty(t, snap.Context.Payment.Method)
	assert.Equal(t, WaitConnection, snap.Context.Waiting)

	other := newSigner(t)
	h.conn.signIn(other)
	snap = h.waitFor(t, StatePayment)
	assert.Equal(t, []string{other.Address().Hex()}, snap.Context.Recipients)
	assert.Equal(t, 0, h.web3.claimCount())
}

func TestSignOutQueuedBehindBackIsApplied(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(paidLock(lockA, "0.01")), func(h *harness) {
		h.web3.gate = gate
	})
	t.Cleanup(func() { close(gate) })
	toPayment(t, h)
	h.send(t, SelectPayment{Method: types.PaymentCrypto})
	h.waitFor(t, StateConfirm)

	// hold the loop inside Confirm so Back and the sign-out queue up
	// behind it in that order
	blocked, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	unsubscribe := h.m.Subscribe(func(s Snapshot) {
		if s.Context.Waiting == WaitSubmission {
			once.Do(func() {
				close(blocked)
				<-release
			})
		}
	})
	defer unsubscribe()

	ctx := context.Background()
	confirmed := make(chan error, 1)
	go func() { confirmed <- h.m.Send(ctx, Confirm{}) }()
	<-blocked

	went := make(chan error, 1)
	go func() { went <- h.m.Send(ctx, Back{}) }()
	time.Sleep(20 * time.Millisecond)
	h.conn.signOut()
	close(release)

	require.NoError(t, <-confirmed)
	<-went

	snap := h.waitFor(t, StateSelect)
	assert.Nil(t, snap.Context.Recipients)
	assert.Nil(t, snap.Context.Data)
	assert.Equal(t, WaitConnection, snap.Context.Waiting)

	other := newSigner(t)
	h.conn.signIn(other)
	snap = h.waitFor(t, StatePayment)
	assert.Equal(t, []string{other.Address().Hex()}, snap.Context.Recipients)
}

func TestConfirmRejectsConcurrentSubmission(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(paidLock(lockA, "0.01")), func(h *harness) {
		h.web3.gate = gate
	})
	t.Cleanup(func() { close(gate) })
	toPayment(t, h)
	h.send(t, SelectPayment{Method: types.PaymentCrypto})
	h.waitFor(t, StateConfirm)
	h.send(t, Confirm{})

	err := h.m.Send(context.Background(), Confirm{})
	assert.Equal(t, types.ErrInvalidTransition, checkoutCode(t, err))
}

func TestRecipientsResolveENS(t *testing.T) {
	t.Parallel()

	h := newHarness(t, twoLocks(), withLock(freeLock(lockA)), func(h *harness) {
		h.web3.names["alice.eth"] = recipient1
	})
	h.signIn()
	h.send(t, SelectLock{Address: lockA})
	h.waitFor(t, StateQuantity)
	h.send(t, SelectQuantity{Quantity: 2})
	h.waitFor(t, StateMetadata)

	h.send(t, SubmitRecipients{Recipients: []string{"alice.eth", recipient2}})
	snap := h.waitFor(t, StatePayment)
	assert.Equal(t, []string{recipient1, recipient2}, snap.Context.Recipients)
}

func TestRecipientsUnresolvedENS(t *testing.T) {
	t.Parallel()

	h := newHarness(t, twoLocks(), withLock(freeLock(lockA)))
	h.signIn()
	h.send(t, SelectLock{Address: lockA})
	h.waitFor(t, StateQuantity)
	h.send(t, SelectQuantity{Quantity: 1})
	h.waitFor(t, StateMetadata)

	h.send(t, SubmitRecipients{Recipients: []string{"nobody.eth"}})
	snap := h.until(t, func(s Snapshot) bool { return s.Context.Error != nil })
	assert.Equal(t, StateMetadata, snap.State)
	assert.Equal(t, types.ErrValidationFailed, snap.Context.Error.Code)
	verrs, ok := snap.Context.Error.Data.(types.ValidationErrors)
	require.True(t, ok)
	require.Len(t, verrs, 1)
	assert.Equal(t, 0, verrs[0].Index)
}

func TestRecipientValidation(t *testing.T) {
	t.Parallel()

	paywall := twoLocks()
	paywall.EmailRequired = true
	paywall.MetadataInputs = []types.MetadataInput{{Name: "company", Required: true}}
	h := newHarness(t, paywall, withLock(freeLock(lockA)))
	h.signIn()
	h.send(t, SelectLock{Address: lockA})
	h.waitFor(t, StateQuantity)
	h.send(t, SelectQuantity{Quantity: 1})
	h.waitFor(t, StateMetadata)

	err := h.m.Send(context.Background(), SubmitRecipients{
		Recipients: []string{"not-an-address"},
		Metadata:   []map[string]string{{"email": "nope"}},
	})
	var verrs types.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs.Field("recipients"), 1)
	assert.Len(t, verrs.Field("email"), 1)
	assert.Len(t, verrs.Field("company"), 1)

	h.send(t, SubmitRecipients{
		Recipients: []string{recipient1},
		Metadata:   []map[string]string{{"email": "a@example.com", "company": "ACME"}},
	})
	snap := h.waitFor(t, StatePayment)
	assert.Equal(t, "ACME", snap.Context.Metadata[0]["company"])
}

func TestQuantityBounds(t *testing.T) {
	t.Parallel()

	paywall := twoLocks()
	paywall.MaxRecipients = 3
	h := newHarness(t, paywall, withLock(freeLock(lockA)))
	h.signIn()
	h.send(t, SelectLock{Address: lockA})
	h.waitFor(t, StateQuantity)

	for _, q := range []int{0, 4} {
		err := h.m.Send(context.Background(), SelectQuantity{Quantity: q})
		var verrs types.ValidationErrors
		require.True(t, errors.As(err, &verrs), "quantity %d", q)
	}
	h.send(t, SelectQuantity{Quantity: 3})
	assert.Equal(t, 3, h.waitFor(t, StateMetadata).Context.Quantity)
}

func TestMessageToSign(t *testing.T) {
	t.Parallel()

	paywall := singleLock(types.LockConfig{SkipRecipient: true})
	paywall.MessageToSign = "I agree to the terms"
	h := newHarness(t, paywall, withLock(freeLock(lockA)))
	h.signIn()
	h.waitFor(t, StateMessageToSign)

	sig, err := h.signer.SignMessage(context.Background(), []byte(paywall.MessageToSign))
	require.NoError(t, err)

	err = h.m.Send(context.Background(), SignMessage{Address: recipient1, Signature: sig})
	require.ErrorIs(t, err, types.ValidationErrors{})

	wrong, err := h.signer.SignMessage(context.Background(), []byte("something else"))
	require.NoError(t, err)
	err = h.m.Send(context.Background(), SignMessage{Address: h.signer.Address().Hex(), Signature: wrong})
	require.ErrorIs(t, err, types.ValidationErrors{})

	h.send(t, SignMessage{Address: h.signer.Address().Hex(), Signature: sig})
	snap := h.waitFor(t, StatePayment)
	require.NotNil(t, snap.Context.Signature)
	assert.Equal(t, sig, snap.Context.Signature.Signature)
}

func TestPasswordHook(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(freeLock(lockA)), func(h *harness) {
		h.storage.hooks[strings.ToLower(lockA)] = types.HookPassword
	})
	h.signIn()
	snap := h.waitFor(t, StatePassword)
	assert.Equal(t, types.HookPassword, snap.Context.Hook)

	err := h.m.Send(context.Background(), SubmitPassword{})
	require.ErrorIs(t, err, types.ValidationErrors{})

	h.send(t, SubmitPassword{Password: "open sesame"})
	snap = h.waitFor(t, StatePayment)
	require.Len(t, snap.Context.Data, 1)

	hookSigner, err := HookSigner("open sesame")
	require.NoError(t, err)
	account := strings.ToLower(h.signer.Address().Hex())
	require.NoError(t, siwe.Verify(account, snap.Context.Data[0], common.HexToAddress(hookSigner)))
}

func TestCaptchaHook(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(freeLock(lockA)), func(h *harness) {
		h.storage.hooks[strings.ToLower(lockA)] = types.HookCaptcha
	})
	h.signIn()
	h.waitFor(t, StateCaptcha)

	err := h.m.Send(context.Background(), SubmitCaptcha{Tokens: []string{" "}})
	require.ErrorIs(t, err, types.ValidationErrors{})
	err = h.m.Send(context.Background(), SubmitCaptcha{})
	require.ErrorIs(t, err, types.ValidationErrors{})

	h.send(t, SubmitCaptcha{Tokens: []string{"token"}})
	snap := h.waitFor(t, StatePayment)
	assert.Equal(t, [][]byte{[]byte("token")}, snap.Context.Data)
}

func TestEmptyPromoCode(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(freeLock(lockA)), func(h *harness) {
		h.storage.hooks[strings.ToLower(lockA)] = types.HookPromoCode
	})
	h.signIn()
	h.waitFor(t, StatePromo)

	h.send(t, SubmitPromo{})
	snap := h.waitFor(t, StatePayment)
	require.Len(t, snap.Context.Data, 1)
	assert.Nil(t, snap.Context.Data[0])
}

func TestRenewSkipsQuantityAndRecipients(t *testing.T) {
	t.Parallel()

	h := newHarness(t, twoLocks(), withLock(paidLock(lockB, "0.01")))
	h.signIn()
	h.send(t, SelectLock{Address: lockB, Renew: true})

	snap := h.waitFor(t, StatePayment)
	assert.Equal(t, []State{StateSelect, StatePayment}, snap.Context.History)
	assert.Equal(t, 1, snap.Context.Quantity)
	assert.Equal(t, []string{h.signer.Address().Hex()}, snap.Context.Recipients)
	assert.True(t, snap.Context.Renew)
}

func TestCardPayment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(paidLock(lockA, "5")))
	toPayment(t, h)
	h.send(t, SelectPayment{Method: types.PaymentCard})
	h.waitFor(t, StateCard)

	err := h.m.Send(context.Background(), SelectCard{})
	require.ErrorIs(t, err, types.ValidationErrors{})
	h.send(t, SelectCard{CardID: "card_1"})
	snap := h.waitFor(t, StateConfirm)
	assert.Equal(t, types.Payment{Method: types.PaymentCard, CardID: "card_1"}, snap.Context.Payment)

	h.send(t, Back{})
	h.waitFor(t, StateCard)
	h.send(t, Back{})
	h.waitFor(t, StatePayment)
}

func TestClaimNeedsFreeLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(paidLock(lockA, "0.01")))
	toPayment(t, h)

	err := h.m.Send(context.Background(), SelectPayment{Method: types.PaymentClaim})
	require.ErrorIs(t, err, types.ValidationErrors{})
	err = h.m.Send(context.Background(), SelectPayment{Method: "barter"})
	require.ErrorIs(t, err, types.ValidationErrors{})
}

func TestUnlockAccountRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(freeLock(lockA)))
	h.until(t, func(s Snapshot) bool { return s.Context.Waiting == WaitConnection })

	h.send(t, UnlockAccount{})
	assert.Equal(t, StateUnlockAccount, h.m.Snapshot().State)

	h.signIn()
	snap := h.waitFor(t, StatePayment)
	assert.Equal(t, []State{StateSelect, StateUnlockAccount, StateSelect, StatePayment}, snap.Context.History)
}

func TestUnlockAccountCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(freeLock(lockA)))
	h.send(t, UnlockAccount{})
	h.waitFor(t, StateUnlockAccount)

	h.conn.set(func(s *connect.Snapshot) { s.State = connect.SignedOut })
	snap := h.waitFor(t, StateSelect)
	assert.Equal(t, WaitConnection, snap.Context.Waiting)
}

func TestUnlockAccountStartFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), withLock(freeLock(lockA)), func(h *harness) {
		h.conn.unlockErr = types.NewError(types.ErrConnectionFailed, "already connected")
	})
	err := h.m.Send(context.Background(), UnlockAccount{})
	assert.Equal(t, types.ErrConnectionFailed, checkoutCode(t, err))
	assert.Equal(t, StateSelect, h.m.Snapshot().State)
}

func TestInvalidEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, twoLocks(), withLock(freeLock(lockA)))

	tests := []struct {
		name string
		ev   Event
	}{
		{name: "confirm", ev: Confirm{}},
		{name: "retry", ev: Retry{}},
		{name: "quantity", ev: SelectQuantity{Quantity: 1}},
		{name: "payment", ev: SelectPayment{Method: types.PaymentCrypto}},
		{name: "back", ev: Back{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.m.Send(context.Background(), tt.ev)
			assert.Equal(t, types.ErrInvalidTransition, checkoutCode(t, err))
		})
	}

	err := h.m.Send(context.Background(), SelectLock{Address: recipient1})
	require.ErrorIs(t, err, types.ValidationErrors{})
	assert.Equal(t, StateSelect, h.m.Snapshot().State)
}

func TestSendAfterClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, twoLocks())
	h.m.Close()
	assert.False(t, <-h.closed)

	err := h.m.Send(context.Background(), SelectLock{Address: lockA})
	assert.Equal(t, types.ErrSessionClosed, checkoutCode(t, err))

	_, err = h.m.WaitFor(context.Background(), StateMinted)
	assert.Equal(t, types.ErrSessionClosed, checkoutCode(t, err))
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	assert.Equal(t, types.ErrInvalidConfig, checkoutCode(t, err))

	_, err = New(context.Background(), Config{Paywall: twoLocks()})
	assert.Equal(t, types.ErrConfigError, checkoutCode(t, err))
}

func TestWithConnectionMachine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	web3 := newFakeWeb3()
	web3.signer = newSigner(t)
	conn := connect.New(ctx, connect.Config{Web3: web3, UseDelegatedProvider: true})
	t.Cleanup(conn.Close)

	h := newHarness(t, singleLock(types.LockConfig{SkipRecipient: true}), func(h *harness) {
		h.web3 = web3
		h.web3.locks[strings.ToLower(lockA)] = freeLock(lockA)
		h.connection = conn
	})

	require.NoError(t, conn.Connect(ctx, types.ProviderMetamask))
	snap := h.waitFor(t, StatePayment)
	assert.Equal(t, []string{web3.signer.Address().Hex()}, snap.Context.Recipients)

	require.NoError(t, h.m.Send(ctx, Disconnect{}))
	_, err := conn.WaitFor(ctx, connect.SignedOut)
	require.NoError(t, err)
	assert.Equal(t, StateSelect, h.m.Snapshot().State)
}
