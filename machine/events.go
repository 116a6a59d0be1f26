package machine

import "github.com/vitwit/checkout/types"

// Event is a user action delivered with Machine.Send.
type Event interface {
	Name() string
}

// SelectLock picks the lock to purchase. SELECT only.
type SelectLock struct {
	Address        string
	Renew          bool
	ExistingMember bool
}

// SelectQuantity sets how many keys to buy. QUANTITY only.
type SelectQuantity struct {
	Quantity int
}

// SubmitRecipients sets one recipient per key, with their custom fields.
// Recipients may be hex addresses or ENS names. METADATA only.
type SubmitRecipients struct {
	Recipients  []string
	Metadata    []map[string]string
	KeyManagers []string
}

// SignMessage answers the paywall's messageToSign challenge.
type SignMessage struct {
	Address   string
	Signature []byte
}

// SubmitPassword answers a password hook.
type SubmitPassword struct {
	Password string
}

// SubmitCaptcha carries one captcha token per recipient.
type SubmitCaptcha struct {
	Tokens []string
}

// SubmitPromo answers a promo code hook. An empty code is allowed.
type SubmitPromo struct {
	Code string
}

// SubmitGuild carries the guild access data of each recipient.
type SubmitGuild struct {
	Data [][]byte
}

// SelectPayment picks the payment method.
type SelectPayment struct {
	Method types.PaymentMethod
	CardID string
}

// SelectCard picks the card to charge.
type SelectCard struct {
	CardID string
}

// Confirm submits the purchase.
type Confirm struct{}

// Retry goes back to CONFIRM from ERROR.
type Retry struct{}

// Back returns to the previous visible step.
type Back struct{}

// UnlockAccount opens the email/password sign-in flow.
type UnlockAccount struct{}

// Disconnect signs out and returns to SELECT awaiting a connection.
type Disconnect struct{}

func (SelectLock) Name() string       { return "select_lock" }
func (SelectQuantity) Name() string   { return "select_quantity" }
func (SubmitRecipients) Name() string { return "submit_recipients" }
func (SignMessage) Name() string      { return "sign_message" }
func (SubmitPassword) Name() string   { return "submit_password" }
func (SubmitCaptcha) Name() string    { return "submit_captcha" }
func (SubmitPromo) Name() string      { return "submit_promo" }
func (SubmitGuild) Name() string      { return "submit_guild" }
func (SelectPayment) Name() string    { return "select_payment" }
func (SelectCard) Name() string       { return "select_card" }
func (Confirm) Name() string          { return "confirm" }
func (Retry) Name() string            { return "retry" }
func (Back) Name() string             { return "back" }
func (UnlockAccount) Name() string    { return "unlock_account" }
func (Disconnect) Name() string       { return "disconnect" }
