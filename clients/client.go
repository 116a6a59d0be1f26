package clients

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/vitwit/checkout/types"
)

// Signer is an attached wallet able to sign personal messages.
type Signer interface {
	Address() common.Address
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// AccountSigner is implemented by signers backed by an Unlock account.
type AccountSigner interface {
	Signer
	Email() string
}

// IsUnlockAccount reports whether s is backed by an email/password Unlock account.
func IsUnlockAccount(s Signer) bool {
	_, ok := s.(AccountSigner)
	return ok
}

// PurchaseParams are the arguments of a crypto key purchase or renewal.
type PurchaseParams struct {
	LockAddress string
	Network     int
	Owners      []string
	KeyManagers []string
	Referrers   []string
	// Data is the per-recipient hook data (password signature, captcha, promo code, guild).
	Data              [][]byte
	KeyPrice          decimal.Decimal
	RecurringPayments int
	Signer            Signer
}

// ClaimParams are the arguments of the walletless (relayed) path.
type ClaimParams struct {
	LockAddress string
	Network     int
	Recipient   string
	Email       string
	Metadata    map[string]string
	Data        []byte
}

// ChargeParams are the arguments of a card purchase.
type ChargeParams struct {
	LockAddress string
	Network     int
	Recipients  []string
	Metadata    []map[string]string
	CardID      string
	Universal   bool
	Data        [][]byte
}

// TxResult is the outcome of a submission.
type TxResult struct {
	Hash  string
	Owner string
}

// Web3Service is the wallet/chain SDK surface the checkout consumes.
type Web3Service interface {
	Connect(ctx context.Context, kind types.ProviderKind, injectedProvider any) (Signer, error)
	Disconnect(ctx context.Context) error
	GetAddressBalance(ctx context.Context, address string, network int, currency string) (decimal.Decimal, error)
	GetLock(ctx context.Context, lockAddress string, network int) (*types.LockInfo, error)
	PurchaseKey(ctx context.Context, params PurchaseParams) (*TxResult, error)
	ExtendKey(ctx context.Context, params PurchaseParams) (*TxResult, error)
	Claim(ctx context.Context, params ClaimParams) (*TxResult, error)
	ResolveName(ctx context.Context, name string) (string, error)
}

// StorageService is the backend surface the checkout consumes.
type StorageService interface {
	UserExists(ctx context.Context, email string) (bool, error)
	CreateUser(ctx context.Context, email string, encryptedKey []byte) error
	GetUserPrivateKey(ctx context.Context, email string) ([]byte, error)
	GetLockSettings(ctx context.Context, lockAddress string, network int) (*types.LockSettings, error)
	GetHookType(ctx context.Context, lockAddress string, network int) (types.HookType, error)
	ChargeCard(ctx context.Context, params ChargeParams) (*TxResult, error)
}

// SIWE produces and clears a verified sign-in-with-ethereum session.
type SIWE interface {
	SignIn(ctx context.Context, signer Signer) error
	SignOut(ctx context.Context) error
}

// ChainReader is the part of an RPC client polled for confirmations.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// BalanceReader reads native balances.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// ChainProvider hands out a reader per network.
type ChainProvider interface {
	Reader(network int) (ChainReader, error)
}
