package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HookType is the classification of a lock's purchase hook
type HookType string

const (
	HookNone      HookType = ""
	HookPassword  HookType = "password"
	HookCaptcha   HookType = "captcha"
	HookPromoCode HookType = "promocode"
	HookGuild     HookType = "guild"
)

// PaymentMethod represents how the key is paid for
type PaymentMethod string

const (
	PaymentCrypto        PaymentMethod = "crypto"
	PaymentCard          PaymentMethod = "card"
	PaymentUniversalCard PaymentMethod = "universal_card"
	// PaymentClaim is the walletless/gasless path for free locks.
	PaymentClaim PaymentMethod = "claim"
)

// IsCard reports whether the method needs a card to be selected first.
func (m PaymentMethod) IsCard() bool {
	return m == PaymentCard || m == PaymentUniversalCard
}

// ProviderKind identifies a wallet provider
type ProviderKind string

const (
	ProviderMetamask      ProviderKind = "METAMASK"
	ProviderWalletConnect ProviderKind = "WALLET_CONNECT"
	ProviderCoinbase      ProviderKind = "COINBASE"
	ProviderDelegated     ProviderKind = "DELEGATED_PROVIDER"
	ProviderUnlock        ProviderKind = "UNLOCK"
)

// TransactionStatus classifies a submitted transaction
type TransactionStatus string

const (
	TransactionProcessing TransactionStatus = "PROCESSING"
	TransactionFinished   TransactionStatus = "FINISHED"
	TransactionError      TransactionStatus = "ERROR"
)

func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionFinished || s == TransactionError
}

// MetadataInput describes a custom field collected per recipient.
type MetadataInput struct {
	Name         string `json:"name" validate:"required"`
	Type         string `json:"type,omitempty"`
	Required     bool   `json:"required,omitempty"`
	DefaultValue string `json:"defaultValue,omitempty"`
	Public       bool   `json:"public,omitempty"`
	Placeholder  string `json:"placeholder,omitempty"`
}

// LockConfig is the per-lock part of a paywall config.
type LockConfig struct {
	Network           int              `json:"network,omitempty" validate:"gte=0"`
	Name              string           `json:"name,omitempty"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	MetadataInputs    []MetadataInput  `json:"metadataInputs,omitempty" validate:"dive"`
	RecurringPayments int              `json:"recurringPayments,omitempty" validate:"gte=0"`
	EmailRequired     bool             `json:"emailRequired,omitempty"`
	SkipRecipient     bool             `json:"skipRecipient,omitempty"`
	SkipSelect        bool             `json:"skipSelect,omitempty"`
	MaxRecipients     int              `json:"maxRecipients,omitempty" validate:"gte=0"`
	MinRecipients     int              `json:"minRecipients,omitempty" validate:"gte=0"`
	Default           bool             `json:"default,omitempty"`
	Superfluid        bool             `json:"superfluid,omitempty"`
}

// LockEntry pairs a lock address with its config.
type LockEntry struct {
	Address string
	Config  LockConfig
}

// Locks is an insertion-ordered mapping of lock address to LockConfig.
// Addresses compare case-insensitively.
type Locks struct {
	entries []LockEntry
	index   map[string]int
}

// NewLocks builds an ordered lock mapping, keeping the first config for a duplicated address.
func NewLocks(entries ...LockEntry) Locks {
	var l Locks
	for _, e := range entries {
		l.Set(e.Address, e.Config)
	}
	return l
}

// Set inserts or replaces a lock, keeping its original position on replace.
func (l *Locks) Set(address string, cfg LockConfig) {
	if l.index == nil {
		l.index = make(map[string]int)
	}
	key := strings.ToLower(address)
	if i, ok := l.index[key]; ok {
		l.entries[i].Config = cfg
		return
	}
	l.index[key] = len(l.entries)
	l.entries = append(l.entries, LockEntry{Address: address, Config: cfg})
}

func (l Locks) Get(address string) (LockConfig, bool) {
	i, ok := l.index[strings.ToLower(address)]
	if !ok {
		return LockConfig{}, false
	}
	return l.entries[i].Config, true
}

func (l Locks) Len() int { return len(l.entries) }

// First returns the privileged first entry.
func (l Locks) First() (LockEntry, bool) {
	if len(l.entries) == 0 {
		return LockEntry{}, false
	}
	return l.entries[0], true
}

// Entries returns a copy of the entries in insertion order.
func (l Locks) Entries() []LockEntry {
	out := make([]LockEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// UnmarshalJSON decodes a JSON object keeping key order.
func (l *Locks) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*l = Locks{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("locks must be a JSON object")
	}

	out := Locks{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		address, ok := tok.(string)
		if !ok {
			return fmt.Errorf("locks key must be a string")
		}
		var cfg LockConfig
		if err := dec.Decode(&cfg); err != nil {
			return fmt.Errorf("lock %s: %w", address, err)
		}
		if _, dup := out.Get(address); dup {
			return fmt.Errorf("duplicate lock %s", address)
		}
		out.Set(address, cfg)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*l = out
	return nil
}

// MarshalJSON encodes the locks as an object in insertion order.
func (l Locks) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range l.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Address)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.Config)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// PaywallConfig is the immutable input of a checkout session.
type PaywallConfig struct {
	Locks                Locks           `json:"locks"`
	Title                string          `json:"title,omitempty"`
	Icon                 string          `json:"icon,omitempty"`
	Network              int             `json:"network,omitempty" validate:"gte=0"`
	MessageToSign        string          `json:"messageToSign,omitempty"`
	SkipRecipient        bool            `json:"skipRecipient,omitempty"`
	SkipQuantity         bool            `json:"skipQuantity,omitempty"`
	SkipSelect           bool            `json:"skipSelect,omitempty"`
	Pessimistic          bool            `json:"pessimistic,omitempty"`
	UseDelegatedProvider bool            `json:"useDelegatedProvider,omitempty"`
	MetadataInputs       []MetadataInput `json:"metadataInputs,omitempty" validate:"dive"`
	EmailRequired        bool            `json:"emailRequired,omitempty"`
	MaxRecipients        int             `json:"maxRecipients,omitempty" validate:"gte=0"`
	MinRecipients        int             `json:"minRecipients,omitempty" validate:"gte=0"`
	Referrer             string          `json:"referrer,omitempty"`
	RedirectURI          string          `json:"redirectUri,omitempty"`
}

// NetworkFor returns the lock's network, falling back to the config network.
func (c *PaywallConfig) NetworkFor(lock LockConfig) int {
	if lock.Network > 0 {
		return lock.Network
	}
	return c.Network
}

// Payment is the chosen payment method.
type Payment struct {
	Method PaymentMethod `json:"method"`
	CardID string        `json:"cardId,omitempty"`
}

// Mint tracks the submitted transaction.
type Mint struct {
	Status          TransactionStatus `json:"status"`
	TransactionHash string            `json:"transactionHash,omitempty"`
	Network         int               `json:"network,omitempty"`
	Owner           string            `json:"owner,omitempty"`
	Confirmations   uint64            `json:"confirmations,omitempty"`
	ExplorerURL     string            `json:"explorerUrl,omitempty"`
}

// LockSettings are the off-chain settings of a lock kept by the storage service.
type LockSettings struct {
	CheckoutConfigID string   `json:"checkoutConfigId,omitempty"`
	SendEmail        bool     `json:"sendEmail"`
	Hook             HookType `json:"hook,omitempty"`
}

// LockInfo is the on-chain state of a lock relevant to checkout.
type LockInfo struct {
	Address          string          `json:"address"`
	Network          int             `json:"network"`
	Name             string          `json:"name,omitempty"`
	KeyPrice         decimal.Decimal `json:"keyPrice"`
	CurrencyContract string          `json:"currencyContractAddress,omitempty"`
	CurrencySymbol   string          `json:"currencySymbol,omitempty"`
	// MaxNumberOfKeys below zero means unlimited.
	MaxNumberOfKeys int64 `json:"maxNumberOfKeys"`
	OutstandingKeys int64 `json:"outstandingKeys"`
}

// IsFree reports whether keys cost nothing.
func (l *LockInfo) IsFree() bool {
	return l != nil && l.KeyPrice.IsZero()
}

// Unlimited reports whether the lock has no key cap.
func (l *LockInfo) Unlimited() bool {
	return l == nil || l.MaxNumberOfKeys < 0
}

// Remaining returns how many keys are still available.
func (l *LockInfo) Remaining() int64 {
	if l.Unlimited() {
		return -1
	}
	if r := l.MaxNumberOfKeys - l.OutstandingKeys; r > 0 {
		return r
	}
	return 0
}

// NetworkConfig contains configuration for one chain
type NetworkConfig struct {
	Name        string `json:"name" mapstructure:"name"`
	RPCUrl      string `json:"rpcUrl" mapstructure:"rpc_url" validate:"required,url"`
	ExplorerURL string `json:"explorerUrl,omitempty" mapstructure:"explorer_url"`
}

// CheckoutConfig contains global configuration for the checkout library
type CheckoutConfig struct {
	RequiredConfirmations int                   `json:"requiredConfirmations,omitempty" mapstructure:"required_confirmations" validate:"gte=0"`
	PollInterval          time.Duration         `json:"pollInterval,omitempty" mapstructure:"poll_interval"`
	RequestTimeout        time.Duration         `json:"requestTimeout,omitempty" mapstructure:"request_timeout"`
	LogLevel              string                `json:"logLevel,omitempty" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics         bool                  `json:"enableMetrics,omitempty" mapstructure:"enable_metrics"`
	Networks              map[int]NetworkConfig `json:"networks,omitempty" mapstructure:"networks" validate:"dive"`
	SIWEDomain            string                `json:"siweDomain,omitempty" mapstructure:"siwe_domain"`
	SIWEURI               string                `json:"siweUri,omitempty" mapstructure:"siwe_uri"`
}

const (
	DefaultRequiredConfirmations = 2
	DefaultPollInterval          = 3 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
)

// WithDefaults returns a copy with zero values replaced by defaults.
func (c CheckoutConfig) WithDefaults() CheckoutConfig {
	if c.RequiredConfirmations <= 0 {
		c.RequiredConfirmations = DefaultRequiredConfirmations
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}

// ExplorerTxURL returns the block explorer link of a transaction, or "" when unknown.
func (c CheckoutConfig) ExplorerTxURL(network int, hash string) string {
	n, ok := c.Networks[network]
	if !ok || n.ExplorerURL == "" || hash == "" {
		return ""
	}
	return strings.TrimRight(n.ExplorerURL, "/") + "/tx/" + hash
}
