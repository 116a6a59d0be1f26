package siwe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/vitwit/checkout/clients"
	"github.com/vitwit/checkout/logger"
	"github.com/vitwit/checkout/types"
)

// Backend is the server side of a sign-in session.
type Backend interface {
	Nonce(ctx context.Context) (string, error)
	Login(ctx context.Context, message, signature string) error
	Logout(ctx context.Context) error
}

// Config describes the sign-in message issued by a Session.
type Config struct {
	Domain    string
	URI       string
	ChainID   int
	Statement string
	TTL       time.Duration
}

// Session signs in an attached signer and keeps the verified address.
type Session struct {
	cfg     Config
	backend Backend
	log     logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	address common.Address
	expires time.Time
}

var _ clients.SIWE = (*Session)(nil)

// NewSession returns a Session. A nil backend issues local nonces and keeps
// the session in memory only.
func NewSession(cfg Config, backend Backend, log logger.Logger) *Session {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ChainID <= 0 {
		cfg.ChainID = types.NetworkMainnet
	}
	return &Session{
		cfg:     cfg,
		backend: backend,
		log:     logger.OrNoop(log),
		now:     time.Now,
	}
}

func (s *Session) nonce(ctx context.Context) (string, error) {
	if s.backend == nil {
		return strings.ReplaceAll(uuid.NewString(), "-", ""), nil
	}
	return s.backend.Nonce(ctx)
}

// SignIn asks signer to sign a fresh message, verifies it locally and
// hands it to the backend.
func (s *Session) SignIn(ctx context.Context, signer clients.Signer) error {
	if signer == nil {
		return types.NewError(types.ErrConnectionFailed, "no signer attached")
	}

	nonce, err := s.nonce(ctx)
	if err != nil {
		return fmt.Errorf("failed to get nonce: %w", err)
	}

	now := s.now()
	msg := Message{
		Domain:         s.cfg.Domain,
		Address:        signer.Address(),
		Statement:      s.cfg.Statement,
		URI:            s.cfg.URI,
		ChainID:        s.cfg.ChainID,
		Nonce:          nonce,
		IssuedAt:       now,
		ExpirationTime: now.Add(s.cfg.TTL),
	}
	text := msg.String()

	sig, err := signer.SignMessage(ctx, []byte(text))
	if err != nil {
		return err
	}
	if err := VerifyMessage(msg, sig, s.now()); err != nil {
		return types.NewError(types.ErrConnectionFailed, "sign-in signature rejected: %v", err)
	}

	if s.backend != nil {
		if err := s.backend.Login(ctx, text, hexutil.Encode(sig)); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
	}

	s.mu.Lock()
	s.address = msg.Address
	s.expires = msg.ExpirationTime
	s.mu.Unlock()

	s.log.Debug("siwe session started", map[string]any{"address": msg.Address.Hex()})
	return nil
}

// SignOut clears the session locally and on the backend.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	s.address = common.Address{}
	s.expires = time.Time{}
	s.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	if err := s.backend.Logout(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	return nil
}

// Address returns the signed-in address while the session is unexpired.
func (s *Session) Address() (common.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.address == (common.Address{}) || s.now().After(s.expires) {
		return common.Address{}, false
	}
	return s.address, true
}
