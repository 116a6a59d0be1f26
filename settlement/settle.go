package settlement

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/checkout/clients"
	"github.com/vitwit/checkout/logger"
	"github.com/vitwit/checkout/metrics"
	"github.com/vitwit/checkout/types"
	"github.com/vitwit/checkout/utils"
)

// DefaultTimeout bounds a submission, wallet prompt included.
const DefaultTimeout = 5 * time.Minute

// Settler interface defines the contract for purchase submission
type Settler interface {
	Settle(ctx context.Context, req *Request) (*Result, error)
}

// Request is a purchase ready for submission.
type Request struct {
	LockAddress string
	Network     int
	Payment     types.Payment
	Recipients  []string
	KeyManagers []string
	Referrer    string
	// Data holds the hook data of each recipient.
	Data              [][]byte
	Metadata          []map[string]string
	Email             string
	KeyPrice          decimal.Decimal
	RecurringPayments int
	Renew             bool
	Signer            clients.Signer
}

// Result is a submitted transaction.
type Result struct {
	TransactionHash string
	Owner           string
	Network         int
	Method          types.PaymentMethod
}

// SettlementService submits purchases through the wallet, the relayer or the card processor
type SettlementService struct {
	web3    clients.Web3Service
	storage clients.StorageService
	timeout time.Duration
	log     logger.Logger
	metrics metrics.Recorder
}

// NewSettlementService creates a new settlement service
func NewSettlementService(
	web3 clients.Web3Service,
	storage clients.StorageService,
	timeout time.Duration,
	log logger.Logger,
	rec metrics.Recorder,
) *SettlementService {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SettlementService{
		web3:    web3,
		storage: storage,
		timeout: timeout,
		log:     logger.OrNoop(log),
		metrics: metrics.OrNoop(rec),
	}
}

// Settle submits the purchase and returns its transaction hash.
// Every error is a *types.CheckoutError.
func (s *SettlementService) Settle(ctx context.Context, req *Request) (*Result, error) {
	settleCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.validateSettlementRequest(req); err != nil {
		return nil, err
	}

	labels := map[string]string{
		"state":   string(req.Payment.Method),
		"network": strconv.Itoa(req.Network),
	}
	start := time.Now()

	var (
		tx  *clients.TxResult
		err error
	)
	switch req.Payment.Method {
	case types.PaymentCrypto:
		tx, err = s.settleCrypto(settleCtx, req)
	case types.PaymentClaim:
		tx, err = s.settleClaim(settleCtx, req)
	case types.PaymentCard, types.PaymentUniversalCard:
		tx, err = s.settleCard(settleCtx, req)
	}
	if err == nil && (tx == nil || tx.Hash == "") {
		err = types.NewError(types.ErrSubmissionFailed, "no transaction hash returned")
	}

	if err != nil {
		cerr := clients.WrapSubmissionError(err)
		s.metrics.IncCounter(metrics.SubmissionErrors, labels)
		s.log.Warn("submission failed", map[string]any{
			"lock":   req.LockAddress,
			"method": req.Payment.Method,
			"code":   cerr.Code,
			"error":  cerr.Message,
		})
		return nil, cerr
	}

	s.metrics.IncCounter(metrics.Submissions, labels)
	s.metrics.ObserveLatency(metrics.SubmitLatency, time.Since(start), labels)

	owner := tx.Owner
	if owner == "" {
		owner = req.Recipients[0]
	}
	s.log.Info("purchase submitted", map[string]any{
		"lock":   req.LockAddress,
		"method": req.Payment.Method,
		"hash":   tx.Hash,
		"owner":  owner,
	})

	return &Result{
		TransactionHash: tx.Hash,
		Owner:           owner,
		Network:         req.Network,
		Method:          req.Payment.Method,
	}, nil
}

func (s *SettlementService) settleCrypto(ctx context.Context, req *Request) (*clients.TxResult, error) {
	if req.Signer == nil {
		return nil, types.NewError(types.ErrConnectionFailed, "crypto payment needs a connected wallet")
	}

	referrers := make([]string, len(req.Recipients))
	for i := range referrers {
		referrers[i] = req.Referrer
	}

	params := clients.PurchaseParams{
		LockAddress:       req.LockAddress,
		Network:           req.Network,
		Owners:            req.Recipients,
		KeyManagers:       req.KeyManagers,
		Referrers:         referrers,
		Data:              req.Data,
		KeyPrice:          req.KeyPrice,
		RecurringPayments: req.RecurringPayments,
		Signer:            req.Signer,
	}
	if req.Renew {
		return s.web3.ExtendKey(ctx, params)
	}
	return s.web3.PurchaseKey(ctx, params)
}

func (s *SettlementService) settleClaim(ctx context.Context, req *Request) (*clients.TxResult, error) {
	params := clients.ClaimParams{
		LockAddress: req.LockAddress,
		Network:     req.Network,
		Recipient:   req.Recipients[0],
		Email:       req.Email,
	}
	if len(req.Metadata) > 0 {
		params.Metadata = req.Metadata[0]
	}
	if len(req.Data) > 0 {
		params.Data = req.Data[0]
	}
	return s.web3.Claim(ctx, params)
}

func (s *SettlementService) settleCard(ctx context.Context, req *Request) (*clients.TxResult, error) {
	if s.storage == nil {
		return nil, types.NewError(types.ErrConfigError, "card payments need a storage service")
	}
	return s.storage.ChargeCard(ctx, clients.ChargeParams{
		LockAddress: req.LockAddress,
		Network:     req.Network,
		Recipients:  req.Recipients,
		Metadata:    req.Metadata,
		CardID:      req.Payment.CardID,
		Universal:   req.Payment.Method == types.PaymentUniversalCard,
		Data:        req.Data,
	})
}

func (s *SettlementService) validateSettlementRequest(req *Request) error {
	if req == nil {
		return types.NewError(types.ErrValidationFailed, "missing settlement request")
	}
	if !utils.IsAddress(req.LockAddress) {
		return types.NewError(types.ErrValidationFailed, "invalid lock address %q", req.LockAddress)
	}
	if len(req.Recipients) == 0 {
		return types.NewError(types.ErrValidationFailed, "at least one recipient is required")
	}
	if len(req.Data) > 0 && len(req.Data) != len(req.Recipients) {
		return types.NewError(types.ErrValidationFailed, "hook data must match recipients (%d != %d)", len(req.Data), len(req.Recipients))
	}

	switch req.Payment.Method {
	case types.PaymentCrypto:
	case types.PaymentClaim:
		if len(req.Recipients) != 1 {
			return types.NewError(types.ErrValidationFailed, "claim supports a single recipient")
		}
	case types.PaymentUniversalCard:
	case types.PaymentCard:
		if req.Payment.CardID == "" {
			return types.NewError(types.ErrValidationFailed, "no card selected")
		}
	default:
		return types.NewError(types.ErrValidationFailed, "unknown payment method %q", req.Payment.Method)
	}
	return nil
}
