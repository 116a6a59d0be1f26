// Package checkout opens checkout sessions for Unlock memberships on EVM
// networks: lock selection, recipient collection, hook data, payment and
// the tracking of the minting transaction.
package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/vitwit/checkout/clients"
	"github.com/vitwit/checkout/connect"
	"github.com/vitwit/checkout/logger"
	"github.com/vitwit/checkout/machine"
	"github.com/vitwit/checkout/metrics"
	"github.com/vitwit/checkout/settlement"
	"github.com/vitwit/checkout/siwe"
	"github.com/vitwit/checkout/tracker"
	"github.com/vitwit/checkout/types"
	"github.com/vitwit/checkout/unlockaccount"
	"github.com/vitwit/checkout/utils"
	"github.com/vitwit/checkout/verification"
)

// Lock lookups before a purchase are retried this often.
const (
	verifyRetries    = 2
	verifyRetryDelay = 500 * time.Millisecond
)

// Checkout holds the collaborators shared by every session.
type Checkout struct {
	config  types.CheckoutConfig
	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration

	web3     clients.Web3Service
	storage  clients.StorageService
	siwe     siwe.Backend
	chains   clients.ChainProvider
	balances verification.BalanceSource
	registry *clients.Registry

	tracker      *tracker.Tracker
	verification *verification.VerificationService
	settlement   *settlement.SettlementService
}

// New creates a Checkout on web3. RPC clients are dialed lazily for the
// networks of config.
func New(config types.CheckoutConfig, web3 clients.Web3Service, opts ...Option) (*Checkout, error) {
	if web3 == nil {
		return nil, types.NewError(types.ErrConfigError, "a web3 service is required")
	}
	config = config.WithDefaults()
	if err := utils.ValidateCheckoutConfig(&config); err != nil {
		return nil, err
	}

	c := &Checkout{
		config:  config,
		timeout: config.RequestTimeout,
		web3:    web3,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.NewZapLogger(config.LogLevel)
	}
	c.metrics = metrics.OrNoop(c.metrics)

	if c.chains == nil || c.balances == nil {
		registry, err := clients.NewRegistry(config.Networks)
		if err != nil {
			return nil, fmt.Errorf("failed to create rpc registry: %w", err)
		}
		c.registry = registry
		if c.chains == nil {
			c.chains = registry
		}
		if c.balances == nil {
			c.balances = verification.Web3Balances{Web3: web3}
			if len(config.Networks) > 0 {
				c.balances = registry
			}
		}
	}

	c.tracker = tracker.New(c.chains,
		tracker.WithInterval(config.PollInterval),
		tracker.WithLogger(c.logger),
		tracker.WithMetrics(c.metrics),
	)
	c.verification = verification.NewVerificationService(web3, c.balances, c.timeout, c.logger)
	c.settlement = settlement.NewSettlementService(web3, c.storage, settlement.DefaultTimeout, c.logger, c.metrics)
	return c, nil
}

// OpenOptions are the host callbacks of one session.
type OpenOptions struct {
	// InjectedProvider is the host wallet object handed to Web3Service.Connect.
	InjectedProvider any
	OnClose          func(purchased bool)
	// OnTransactionSent fires when the purchase is submitted, or once final
	// with a pessimistic paywall config.
	OnTransactionSent func(mint types.Mint)
}

// Session is an open checkout with its connection machine.
type Session struct {
	*machine.Machine
	Connection *connect.Machine
}

// Open validates paywall and starts a session on it. Closing the session
// closes its connection machine.
func (c *Checkout) Open(ctx context.Context, paywall *types.PaywallConfig, opts OpenOptions) (*Session, error) {
	if err := utils.ValidatePaywallConfig(paywall); err != nil {
		return nil, err
	}

	connCfg := connect.Config{
		Web3:                 c.web3,
		InjectedProvider:     opts.InjectedProvider,
		UseDelegatedProvider: paywall.UseDelegatedProvider,
		Logger:               c.logger,
		Metrics:              c.metrics,
	}
	if c.siwe != nil || c.config.SIWEDomain != "" {
		connCfg.SIWE = siwe.NewSession(siwe.Config{
			Domain:  c.config.SIWEDomain,
			URI:     c.config.SIWEURI,
			ChainID: paywall.Network,
		}, c.siwe, c.logger)
	}
	if c.storage != nil {
		connCfg.Accounts = unlockaccount.New(c.storage, unlockaccount.WithLogger(c.logger))
	}
	conn := connect.New(ctx, connCfg)

	m, err := machine.New(ctx, machine.Config{
		Paywall:    paywall,
		Connection: conn,
		Web3:       c.web3,
		Storage:    c.storage,
		Verifier:   verification.Retrying{Service: c.verification, MaxRetries: verifyRetries, RetryDelay: verifyRetryDelay},
		Settler:    c.settlement,
		Tracker:    c.tracker,
		Settings:   c.config,
		OnClose: func(purchased bool) {
			conn.Close()
			if opts.OnClose != nil {
				opts.OnClose(purchased)
			}
		},
		OnTransactionSent: opts.OnTransactionSent,
		Logger:            c.logger,
		Metrics:           c.metrics,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Session{Machine: m, Connection: conn}, nil
}

// Tracker returns the transaction tracker shared by every session. Watch a
// hash on it to resume following a transaction submitted earlier.
func (c *Checkout) Tracker() *tracker.Tracker { return c.tracker }

// Close releases the RPC clients. Sessions should be closed first.
func (c *Checkout) Close() {
	if c.registry != nil {
		c.registry.Close()
	}
}

// Version information
const Version = "1.0.0"
