package unlockaccount

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/checkout/clients"
)

// LocalSigner signs with an in-memory key.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	email   string
}

var _ clients.AccountSigner = (*LocalSigner)(nil)

func NewLocalSigner(key *ecdsa.PrivateKey, email string) *LocalSigner {
	return &LocalSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		email:   email,
	}
}

func (s *LocalSigner) Address() common.Address { return s.address }

func (s *LocalSigner) Email() string { return s.email }

// SignMessage produces a personal_sign signature with V in {27, 28}.
func (s *LocalSigner) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
