// Package steps computes which checkout steps apply to a paywall config.
//
// Every function here is pure; callers recompute the list on each
// transition attempt since renew, existing-member, hook and payment can
// change mid-flow.
package steps

import "github.com/vitwit/checkout/types"

// Step names a checkout step.
type Step string

const (
	Select        Step = "SELECT"
	Quantity      Step = "QUANTITY"
	Metadata      Step = "METADATA"
	MessageToSign Step = "MESSAGE_TO_SIGN"
	Password      Step = "PASSWORD"
	Captcha       Step = "CAPTCHA"
	Promo         Step = "PROMO"
	Guild         Step = "GUILD"
	Payment       Step = "PAYMENT"
	Card          Step = "CARD"
	Confirm       Step = "CONFIRM"
	Minting       Step = "MINTING"
)

// Skip is the skip decision for the quantity and recipient steps.
type Skip struct {
	Quantity  bool
	Recipient bool
}

// Item is one entry of the resolved step list.
type Item struct {
	Step Step
	Skip bool
}

// Input is everything the resolver looks at.
type Input struct {
	Config         *types.PaywallConfig
	Hook           types.HookType
	Payment        types.PaymentMethod
	Renew          bool
	ExistingMember bool
}

// ShouldSkip decides whether quantity and recipient collection can be skipped.
// With a nil lock only the top-level flags are consulted.
func ShouldSkip(cfg *types.PaywallConfig, lock *types.LockConfig) Skip {
	if cfg == nil {
		return Skip{Quantity: true, Recipient: true}
	}
	if lock == nil {
		return Skip{Quantity: cfg.SkipQuantity, Recipient: cfg.SkipRecipient}
	}

	maxRecipients := lock.MaxRecipients
	if maxRecipients <= 0 {
		maxRecipients = cfg.MaxRecipients
	}
	minRecipients := lock.MinRecipients
	if minRecipients <= 0 {
		minRecipients = cfg.MinRecipients
	}
	multiple := maxRecipients > 1 || minRecipients > 1

	inputs := lock.MetadataInputs
	if len(inputs) == 0 {
		inputs = cfg.MetadataInputs
	}

	recipient := (lock.SkipRecipient || cfg.SkipRecipient) &&
		!hasRequired(inputs) &&
		!(lock.EmailRequired || cfg.EmailRequired) &&
		!multiple

	return Skip{Quantity: !multiple, Recipient: recipient}
}

func hasRequired(inputs []types.MetadataInput) bool {
	for _, in := range inputs {
		if in.Required {
			return true
		}
	}
	return false
}

// HookStep returns the step occupying the hook slot. Locks without a known
// hook get the captcha slot, which is skipped.
func HookStep(hook types.HookType) Step {
	switch hook {
	case types.HookPassword:
		return Password
	case types.HookPromoCode:
		return Promo
	case types.HookGuild:
		return Guild
	default:
		return Captcha
	}
}

// Resolve returns the canonical step list with skip flags.
// A config without locks yields no steps.
func Resolve(in Input) []Item {
	cfg := in.Config
	if cfg == nil || cfg.Locks.Len() == 0 {
		return nil
	}

	oneLock := cfg.Locks.Len() == 1
	var skip Skip
	skipSelect := cfg.SkipSelect
	if oneLock {
		first, _ := cfg.Locks.First()
		lock := first.Config
		skip = ShouldSkip(cfg, &lock)
		skipSelect = skipSelect || lock.SkipSelect
	} else {
		skip = ShouldSkip(cfg, nil)
	}

	hook := HookStep(in.Hook)

	return []Item{
		{Step: Select, Skip: oneLock && skipSelect},
		{Step: Quantity, Skip: skip.Quantity || in.Renew},
		{Step: Metadata, Skip: (skip.Quantity && skip.Recipient && !in.ExistingMember) || in.Renew},
		{Step: MessageToSign, Skip: cfg.MessageToSign == ""},
		{Step: hook, Skip: hook == Captcha && in.Hook != types.HookCaptcha},
		{Step: Payment},
		{Step: Card, Skip: !in.Payment.IsCard()},
		{Step: Confirm},
		{Step: Minting},
	}
}

func indexOf(items []Item, s Step) int {
	for i, it := range items {
		if it.Step == s {
			return i
		}
	}
	return -1
}

// Next returns the first non-skipped step after from.
func Next(items []Item, from Step) (Step, bool) {
	i := indexOf(items, from)
	if i < 0 {
		return "", false
	}
	for _, it := range items[i+1:] {
		if !it.Skip {
			return it.Step, true
		}
	}
	return "", false
}

// Previous returns the last non-skipped step before from.
func Previous(items []Item, from Step) (Step, bool) {
	i := indexOf(items, from)
	if i < 0 {
		return "", false
	}
	for j := i - 1; j >= 0; j-- {
		if !items[j].Skip {
			return items[j].Step, true
		}
	}
	return "", false
}

// Visible returns the non-skipped steps in order.
func Visible(items []Item) []Step {
	out := make([]Step, 0, len(items))
	for _, it := range items {
		if !it.Skip {
			out = append(out, it.Step)
		}
	}
	return out
}

// Skipped reports whether s is in the list and skipped. Steps absent from
// the list count as skipped.
func Skipped(items []Item, s Step) bool {
	i := indexOf(items, s)
	return i < 0 || items[i].Skip
}
