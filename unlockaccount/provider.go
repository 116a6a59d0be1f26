// Package unlockaccount implements email/password accounts whose signing
// key is generated locally and stored encrypted by the backend.
package unlockaccount

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/vitwit/checkout/logger"
	"github.com/vitwit/checkout/types"
	"github.com/vitwit/checkout/utils"
)

const MinPasswordLength = 8

// Storage is the part of the backend holding encrypted account keys.
type Storage interface {
	UserExists(ctx context.Context, email string) (bool, error)
	CreateUser(ctx context.Context, email string, encryptedKey []byte) error
	GetUserPrivateKey(ctx context.Context, email string) ([]byte, error)
}

type Provider struct {
	storage Storage
	scryptN int
	scryptP int
	log     logger.Logger
}

type Option func(*Provider)

// WithScrypt sets the key derivation cost.
func WithScrypt(n, p int) Option {
	return func(pr *Provider) {
		pr.scryptN = n
		pr.scryptP = p
	}
}

func WithLogger(l logger.Logger) Option {
	return func(pr *Provider) {
		pr.log = l
	}
}

func New(storage Storage, opts ...Option) *Provider {
	p := &Provider{
		storage: storage,
		scryptN: keystore.StandardScryptN,
		scryptP: keystore.StandardScryptP,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logger.OrNoop(p.log)
	return p
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks the email format.
func ValidateEmail(email string) error {
	if err := utils.ValidateVar(email, "required,email"); err != nil {
		return types.ValidationErrors{{Field: "email", Index: -1, Message: "enter a valid email address"}}
	}
	return nil
}

// ValidatePassword checks a sign-up password and its confirmation.
func ValidatePassword(password, confirm string) error {
	var errs types.ValidationErrors
	if len(password) < MinPasswordLength {
		errs = append(errs, types.ValidationError{
			Field:   "password",
			Index:   -1,
			Message: fmt.Sprintf("password must be at least %d characters", MinPasswordLength),
		})
	}
	if password != confirm {
		errs = append(errs, types.ValidationError{Field: "confirmPassword", Index: -1, Message: "passwords do not match"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// UserExists reports whether an account is registered for email.
func (p *Provider) UserExists(ctx context.Context, email string) (bool, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return false, err
	}
	exists, err := p.storage.UserExists(ctx, email)
	if err != nil {
		return false, fmt.Errorf("user lookup failed: %w", err)
	}
	return exists, nil
}

// SignUp creates a key for email, stores it encrypted under password and
// returns a signer for it.
func (p *Provider) SignUp(ctx context.Context, email, password string) (*LocalSigner, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password, password); err != nil {
		return nil, err
	}

	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		PrivateKey: privateKey,
	}

	blob, err := keystore.EncryptKey(key, password, p.scryptN, p.scryptP)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key: %w", err)
	}
	if err := p.storage.CreateUser(ctx, email, blob); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	p.log.Info("unlock account created", map[string]any{"address": key.Address.Hex()})
	return NewLocalSigner(privateKey, email), nil
}

// SignIn decrypts the stored key of email. A wrong password is a
// validation error.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*LocalSigner, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, types.ValidationErrors{{Field: "password", Index: -1, Message: "password is required"}}
	}

	blob, err := p.storage.GetUserPrivateKey(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account key: %w", err)
	}

	key, err := keystore.DecryptKey(blob, password)
	if errors.Is(err, keystore.ErrDecrypt) {
		return nil, types.ValidationErrors{{Field: "password", Index: -1, Message: "wrong password"}}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt account key: %w", err)
	}

	return NewLocalSigner(key.PrivateKey, email), nil
}
