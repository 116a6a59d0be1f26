// Package siwe builds and verifies EIP-4361 sign-in messages.
package siwe

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const Version = "1"

// DefaultTTL bounds how long a signed message is accepted.
const DefaultTTL = 10 * time.Minute

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrAddressMismatch  = errors.New("signature does not match address")
	ErrExpired          = errors.New("message expired")
)

// Message is an EIP-4361 sign-in request.
type Message struct {
	Domain         string
	Address        common.Address
	Statement      string
	URI            string
	ChainID        int
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime time.Time
	Resources      []string
}

// String renders the message in the EIP-4361 text format.
func (m Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Ethereum account:\n", m.Domain)
	b.WriteString(m.Address.Hex())
	b.WriteString("\n\n")
	if m.Statement != "" {
		b.WriteString(m.Statement)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "URI: %s\n", m.URI)
	fmt.Fprintf(&b, "Version: %s\n", Version)
	fmt.Fprintf(&b, "Chain ID: %d\n", m.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", m.Nonce)
	fmt.Fprintf(&b, "Issued At: %s", m.IssuedAt.UTC().Format(time.RFC3339))
	if !m.ExpirationTime.IsZero() {
		fmt.Fprintf(&b, "\nExpiration Time: %s", m.ExpirationTime.UTC().Format(time.RFC3339))
	}
	if len(m.Resources) > 0 {
		b.WriteString("\nResources:")
		for _, r := range m.Resources {
			fmt.Fprintf(&b, "\n- %s", r)
		}
	}
	return b.String()
}

// Expired reports whether the message is past its expiration time at now.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpirationTime.IsZero() && now.After(m.ExpirationTime)
}

// Recover returns the address that produced a personal_sign signature
// over message.
func Recover(message []byte, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signature))
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that signature is address's personal_sign over message.
func Verify(message string, signature []byte, address common.Address) error {
	signer, err := Recover([]byte(message), signature)
	if err != nil {
		return err
	}
	if signer != address {
		return fmt.Errorf("%w: got %s want %s", ErrAddressMismatch, signer.Hex(), address.Hex())
	}
	return nil
}

// VerifyMessage checks the signature and expiry of a sign-in message.
func VerifyMessage(m Message, signature []byte, now time.Time) error {
	if m.Expired(now) {
		return ErrExpired
	}
	return Verify(m.String(), signature, m.Address)
}
