package checkout

import (
	"time"

	"github.com/vitwit/checkout/clients"
	"github.com/vitwit/checkout/logger"
	"github.com/vitwit/checkout/metrics"
	"github.com/vitwit/checkout/siwe"
	"github.com/vitwit/checkout/verification"
)

type Option func(*Checkout)

func WithLogger(l logger.Logger) Option {
	return func(c *Checkout) {
		c.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Checkout) {
		c.metrics = r
	}
}

// WithTimeout bounds lock and balance lookups.
func WithTimeout(t time.Duration) Option {
	return func(c *Checkout) {
		c.timeout = t
	}
}

// WithStorage enables card payments, hook lookups and Unlock accounts.
func WithStorage(s clients.StorageService) Option {
	return func(c *Checkout) {
		c.storage = s
	}
}

// WithSIWE makes every session sign in against backend.
func WithSIWE(backend siwe.Backend) Option {
	return func(c *Checkout) {
		c.siwe = backend
	}
}

// WithChains replaces the RPC registry used to follow transactions.
func WithChains(p clients.ChainProvider) Option {
	return func(c *Checkout) {
		c.chains = p
	}
}

// WithBalances replaces the balance source used before crypto purchases.
func WithBalances(b verification.BalanceSource) Option {
	return func(c *Checkout) {
		c.balances = b
	}
}
