package machine

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/checkout/types"
)

// signRecipients derives a key from secret and signs each lowercased
// recipient with it. Password and promo code hooks check these signatures
// against the address of the key derived from the expected secret.
func signRecipients(secret string, recipients []string) ([][]byte, error) {
	key, err := crypto.ToECDSA(crypto.Keccak256([]byte(secret)))
	if err != nil {
		return nil, fmt.Errorf("derive hook key: %w", err)
	}
	out := make([][]byte, len(recipients))
	for i, r := range recipients {
		sig, err := crypto.Sign(accounts.TextHash([]byte(strings.ToLower(r))), key)
		if err != nil {
			return nil, fmt.Errorf("sign recipient %d: %w", i, err)
		}
		sig[crypto.RecoveryIDOffset] += 27
		out[i] = sig
	}
	return out, nil
}

// HookSigner returns the address a hook contract expects for secret.
func HookSigner(secret string) (string, error) {
	key, err := crypto.ToECDSA(crypto.Keccak256([]byte(secret)))
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

func (m *Machine) storeHookData(data [][]byte) error {
	m.update(func(c *Context) { c.Data = data })
	return m.advance()
}

func (m *Machine) onSubmitPassword(e SubmitPassword) error {
	if err := m.require(StatePassword); err != nil {
		return err
	}
	if e.Password == "" {
		return types.ValidationErrors{{Field: "password", Index: -1, Message: "password is required"}}
	}
	data, err := signRecipients(e.Password, m.current().Recipients)
	if err != nil {
		return err
	}
	return m.storeHookData(data)
}

func (m *Machine) onSubmitCaptcha(e SubmitCaptcha) error {
	if err := m.require(StateCaptcha); err != nil {
		return err
	}
	recipients := m.current().Recipients
	if len(e.Tokens) != len(recipients) {
		return types.ValidationErrors{{Field: "captcha", Index: -1, Message: fmt.Sprintf("expected %d captcha tokens, got %d", len(recipients), len(e.Tokens))}}
	}
	var verrs types.ValidationErrors
	data := make([][]byte, len(e.Tokens))
	for i, tok := range e.Tokens {
		if strings.TrimSpace(tok) == "" {
			verrs.Add("captcha", i, "captcha is required")
		}
		data[i] = []byte(tok)
	}
	if len(verrs) > 0 {
		return verrs
	}
	return m.storeHookData(data)
}

func (m *Machine) onSubmitPromo(e SubmitPromo) error {
	if err := m.require(StatePromo); err != nil {
		return err
	}
	recipients := m.current().Recipients
	code := strings.TrimSpace(e.Code)
	if code == "" {
		return m.storeHookData(make([][]byte, len(recipients)))
	}
	data, err := signRecipients(code, recipients)
	if err != nil {
		return err
	}
	return m.storeHookData(data)
}

func (m *Machine) onSubmitGuild(e SubmitGuild) error {
	if err := m.require(StateGuild); err != nil {
		return err
	}
	recipients := m.current().Recipients
	if len(e.Data) != len(recipients) {
		return types.ValidationErrors{{Field: "guild", Index: -1, Message: fmt.Sprintf("expected guild data for %d recipients, got %d", len(recipients), len(e.Data))}}
	}
	var verrs types.ValidationErrors
	data := make([][]byte, len(e.Data))
	for i, d := range e.Data {
		if len(d) == 0 {
			verrs.Add("guild", i, "recipient is not a member of the guild")
		}
		data[i] = append([]byte(nil), d...)
	}
	if len(verrs) > 0 {
		return verrs
	}
	return m.storeHookData(data)
}
