package machine

import (
	"github.com/vitwit/checkout/fsm"
	"github.com/vitwit/checkout/steps"
	"github.com/vitwit/checkout/types"
)

type State string

const (
	StateSelect        State = "SELECT"
	StateQuantity      State = "QUANTITY"
	StateMetadata      State = "METADATA"
	StateMessageToSign State = "MESSAGE_TO_SIGN"
	StatePassword      State = "PASSWORD"
	StateCaptcha       State = "CAPTCHA"
	StatePromo         State = "PROMO"
	StateGuild         State = "GUILD"
	StatePayment       State = "PAYMENT"
	StateCard          State = "CARD"
	StateConfirm       State = "CONFIRM"
	StateMinting       State = "MINTING"
	StateMinted        State = "MINTED"
	StateError         State = "ERROR"
	StateUnlockAccount State = "UNLOCK_ACCOUNT"
)

// flow is the user-driven part of the step list, in order.
var flow = []State{
	StateSelect,
	StateQuantity,
	StateMetadata,
	StateMessageToSign,
	StatePassword,
	StateCaptcha,
	StatePromo,
	StateGuild,
	StatePayment,
	StateCard,
	StateConfirm,
}

var transitions = buildTransitions()

func buildTransitions() fsm.Transitions[State] {
	t := fsm.Transitions[State]{}
	for _, from := range flow {
		for _, to := range flow {
			if from != to {
				t[from] = append(t[from], to)
			}
		}
		if from != StateConfirm {
			t[from] = append(t[from], StateUnlockAccount)
		}
	}
	t[StateConfirm] = append(t[StateConfirm], StateMinting, StateError)
	t[StateMinting] = []State{StateMinted, StateError, StateSelect}
	t[StateError] = []State{StateConfirm, StateSelect}
	for _, s := range flow {
		if s != StateConfirm {
			t[StateUnlockAccount] = append(t[StateUnlockAccount], s)
		}
	}
	return t
}

// preConfirm reports whether s collects input before CONFIRM.
func preConfirm(s State) bool {
	return fsm.In(s,
		StateSelect, StateQuantity, StateMetadata, StateMessageToSign,
		StatePassword, StateCaptcha, StatePromo, StateGuild,
		StatePayment, StateCard,
	)
}

// Wait names what progression is blocked on.
type Wait string

const (
	WaitNone        Wait = ""
	WaitConnection  Wait = "connection"
	WaitLockDetails Wait = "lock_details"
	WaitRecipients  Wait = "recipients"
	WaitSubmission  Wait = "submission"
)

// Lock is the selected lock.
type Lock struct {
	Address string           `json:"address"`
	Network int              `json:"network"`
	Config  types.LockConfig `json:"config"`
}

// MessageSignature is the signed messageToSign challenge.
type MessageSignature struct {
	Address   string `json:"address"`
	Signature []byte `json:"signature"`
}

// Context is the checkout state threaded through the session.
// Slices and maps are replaced on change, never mutated in place, so a
// Snapshot may be read freely.
type Context struct {
	SessionID     string               `json:"sessionId"`
	PaywallConfig *types.PaywallConfig `json:"paywallConfig"`

	Lock           *Lock               `json:"lock,omitempty"`
	LockInfo       *types.LockInfo     `json:"lockInfo,omitempty"`
	LockSettings   *types.LockSettings `json:"lockSettings,omitempty"`
	Hook           types.HookType      `json:"hook,omitempty"`
	Renew          bool                `json:"renew"`
	ExistingMember bool                `json:"existingMember"`

	Quantity    int                 `json:"quantity"`
	Recipients  []string            `json:"recipients,omitempty"`
	Metadata    []map[string]string `json:"metadata,omitempty"`
	KeyManagers []string            `json:"keyManagers,omitempty"`
	// Data is the hook data, one entry per recipient.
	Data      [][]byte          `json:"data,omitempty"`
	Signature *MessageSignature `json:"messageSignature,omitempty"`
	Payment   types.Payment     `json:"payment"`
	Mint      *types.Mint       `json:"mint,omitempty"`

	Error   *types.CheckoutError `json:"error,omitempty"`
	Waiting Wait                 `json:"waiting,omitempty"`
	Epoch   uint64               `json:"epoch"`
	History []State              `json:"history"`
}

// Snapshot is an immutable view of the machine.
type Snapshot struct {
	State   State   `json:"state"`
	Context Context `json:"context"`
}

// Steps resolves the step list for this snapshot.
func (s Snapshot) Steps() []steps.Item {
	return resolve(&s.Context)
}

// Purchased reports whether a key was bought in this session.
// Without pessimistic mode a submitted transaction counts.
func (s Snapshot) Purchased() bool {
	mint := s.Context.Mint
	if mint == nil || mint.TransactionHash == "" {
		return false
	}
	if mint.Status == types.TransactionFinished {
		return true
	}
	cfg := s.Context.PaywallConfig
	return mint.Status == types.TransactionProcessing && cfg != nil && !cfg.Pessimistic
}

func resolve(c *Context) []steps.Item {
	return steps.Resolve(steps.Input{
		Config:         c.PaywallConfig,
		Hook:           c.Hook,
		Payment:        c.Payment.Method,
		Renew:          c.Renew,
		ExistingMember: c.ExistingMember,
	})
}
