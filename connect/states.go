package connect

import (
	"github.com/vitwit/checkout/clients"
	"github.com/vitwit/checkout/fsm"
	"github.com/vitwit/checkout/types"
)

type State string

const (
	SignedOut      State = "SIGNED_OUT"
	Connecting     State = "CONNECTING"
	Connected      State = "CONNECTED"
	UnlockEmail    State = "UNLOCK_ACCOUNT_EMAIL"
	UnlockPassword State = "UNLOCK_ACCOUNT_PASSWORD"
	UnlockSignUp   State = "UNLOCK_ACCOUNT_SIGNUP"
	Signing        State = "SIGNING"
	SignedIn       State = "SIGNED_IN"
)

var transitions = fsm.Transitions[State]{
	SignedOut:      {Connecting, UnlockEmail},
	Connecting:     {Connected, Signing, SignedOut},
	Connected:      {Signing, SignedIn, UnlockEmail, SignedOut},
	UnlockEmail:    {UnlockPassword, UnlockSignUp, SignedOut, Connected},
	UnlockPassword: {UnlockSignUp, Connected, Signing, SignedOut},
	UnlockSignUp:   {UnlockPassword, Connected, Signing, SignedOut},
	Signing:        {SignedIn, Connected, SignedOut},
	SignedIn:       {SignedOut},
}

// Context is the connection state shared read-only with the checkout machine.
type Context struct {
	Account         string               `json:"account,omitempty"`
	Email           string               `json:"email,omitempty"`
	IsUnlockAccount bool                 `json:"isUnlockAccount"`
	Connected       bool                 `json:"connected"`
	IsSignedIn      bool                 `json:"isSignedIn"`
	Provider        types.ProviderKind   `json:"provider,omitempty"`
	ExistingUser    bool                 `json:"existingUser,omitempty"`
	LastError       *types.CheckoutError `json:"lastError,omitempty"`
}

// Snapshot is an immutable view of the machine.
type Snapshot struct {
	State   State
	Context Context
	Signer  clients.Signer `json:"-"`
}
