package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/checkout/clients"
	"github.com/vitwit/checkout/logger"
	"github.com/vitwit/checkout/types"
	"github.com/vitwit/checkout/utils"
)

// Verifier interface defines the contract for pre-submission checks
type Verifier interface {
	Verify(ctx context.Context, req *Request) (*Result, error)
}

// LockSource reads the on-chain state of a lock.
type LockSource interface {
	GetLock(ctx context.Context, lockAddress string, network int) (*types.LockInfo, error)
}

// BalanceSource reads the balance of an account in a currency ("" is native).
type BalanceSource interface {
	Balance(ctx context.Context, address string, network int, currency string) (decimal.Decimal, error)
}

// Web3Balances adapts a Web3Service to BalanceSource.
type Web3Balances struct {
	Web3 clients.Web3Service
}

func (b Web3Balances) Balance(ctx context.Context, address string, network int, currency string) (decimal.Decimal, error) {
	return b.Web3.GetAddressBalance(ctx, address, network, currency)
}

// Request describes a purchase about to be submitted.
type Request struct {
	LockAddress string
	Network     int
	Quantity    int
	Payment     types.PaymentMethod
	Buyer       string
	Renew       bool
	// Price overrides the on-chain key price when set.
	Price *decimal.Decimal
	// Lock is fetched when nil.
	Lock *types.LockInfo
}

// Result is the outcome of a verification. Code is set when Valid is false.
type Result struct {
	Valid   bool
	Code    string
	Reason  string
	Total   decimal.Decimal
	Balance decimal.Decimal
	Lock    *types.LockInfo
}

// Err returns the failed check as a CheckoutError, or nil.
func (r *Result) Err() error {
	if r == nil || r.Valid {
		return nil
	}
	return types.NewError(r.Code, "%s", r.Reason)
}

func invalid(code, format string, args ...any) *Result {
	return &Result{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// VerificationService checks capacity, price and balance before a purchase
type VerificationService struct {
	locks    LockSource
	balances BalanceSource
	timeout  time.Duration
	log      logger.Logger
}

// NewVerificationService creates a new verification service
func NewVerificationService(locks LockSource, balances BalanceSource, timeout time.Duration, log logger.Logger) *VerificationService {
	if timeout <= 0 {
		timeout = types.DefaultRequestTimeout
	}
	return &VerificationService{
		locks:    locks,
		balances: balances,
		timeout:  timeout,
		log:      logger.OrNoop(log),
	}
}

// Verify runs the local checks, then the ones that need the chain.
// A failed check is reported in the Result; the error is for lookups that could not complete.
func (s *VerificationService) Verify(ctx context.Context, req *Request) (*Result, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if res := s.QuickVerify(req); !res.Valid {
		return res, nil
	}

	lock := req.Lock
	if lock == nil {
		if s.locks == nil {
			return nil, types.NewError(types.ErrConfigError, "no lock source configured")
		}
		var err error
		lock, err = s.locks.GetLock(verifyCtx, req.LockAddress, req.Network)
		if err != nil {
			return nil, types.NewError(types.ErrNetworkError, "failed to fetch lock %s: %v", req.LockAddress, err)
		}
		if res := checkLock(req, lock); res != nil {
			return res, nil
		}
	}

	total := utils.TotalPrice(price(req, lock), req.Quantity)
	res := &Result{Valid: true, Total: total, Lock: lock}

	if req.Payment != types.PaymentCrypto || total.IsZero() {
		return res, nil
	}
	if s.balances == nil {
		return nil, types.NewError(types.ErrConfigError, "no balance source configured")
	}

	balance, err := s.balances.Balance(verifyCtx, req.Buyer, req.Network, lock.CurrencyContract)
	if err != nil {
		return nil, types.NewError(types.ErrNetworkError, "failed to read balance of %s: %v", req.Buyer, err)
	}
	res.Balance = balance

	if balance.LessThan(total) {
		s.log.Info("insufficient balance", map[string]any{
			"lock":    req.LockAddress,
			"buyer":   req.Buyer,
			"balance": balance.String(),
			"total":   total.String(),
		})
		res.Valid = false
		res.Code = types.ErrInsufficientBalance
		res.Reason = fmt.Sprintf("balance %s is below total %s %s", balance, total, lock.CurrencySymbol)
	}
	return res, nil
}

// VerifyWithRetry retries lookups that could not complete. Failed checks are not retried.
func (s *VerificationService) VerifyWithRetry(
	ctx context.Context,
	req *Request,
	maxRetries int,
	retryDelay time.Duration,
) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		result, err := s.Verify(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if types.ErrorCode(err, "") == types.ErrConfigError {
			return nil, err
		}
		s.log.Warn("verification attempt failed", map[string]any{
			"lock":    req.LockAddress,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}

	return nil, types.NewError(types.ErrNetworkError, "verification failed after %d attempts: %v", maxRetries+1, lastErr)
}

// Retrying is a Verifier that goes through VerifyWithRetry.
type Retrying struct {
	Service    *VerificationService
	MaxRetries int
	RetryDelay time.Duration
}

func (r Retrying) Verify(ctx context.Context, req *Request) (*Result, error) {
	return r.Service.VerifyWithRetry(ctx, req, r.MaxRetries, r.RetryDelay)
}

// QuickVerify performs the checks that need no network access.
// Lock-dependent checks only run when req.Lock is known.
func (s *VerificationService) QuickVerify(req *Request) *Result {
	if req == nil {
		return invalid(types.ErrValidationFailed, "missing request")
	}
	if !utils.IsAddress(req.LockAddress) {
		return invalid(types.ErrValidationFailed, "invalid lock address %q", req.LockAddress)
	}
	if req.Quantity < 1 {
		return invalid(types.ErrValidationFailed, "quantity must be at least 1")
	}

	switch req.Payment {
	case types.PaymentCrypto:
		if !utils.IsAddress(req.Buyer) {
			return invalid(types.ErrValidationFailed, "crypto payment needs a connected account")
		}
	case types.PaymentCard, types.PaymentUniversalCard, types.PaymentClaim:
	default:
		return invalid(types.ErrValidationFailed, "unknown payment method %q", req.Payment)
	}

	if req.Lock != nil {
		if res := checkLock(req, req.Lock); res != nil {
			return res
		}
	}
	return &Result{Valid: true, Lock: req.Lock}
}

// checkLock returns a failed Result, or nil when the lock accepts the request.
func checkLock(req *Request, lock *types.LockInfo) *Result {
	// Renewals extend existing keys.
	if !req.Renew && !lock.Unlimited() && lock.Remaining() < int64(req.Quantity) {
		return invalid(types.ErrSoldOut, "lock %s has %d keys left, %d requested", req.LockAddress, lock.Remaining(), req.Quantity)
	}
	if req.Payment == types.PaymentClaim && !price(req, lock).IsZero() {
		return invalid(types.ErrValidationFailed, "claim is only available on free locks")
	}
	return nil
}

func price(req *Request, lock *types.LockInfo) decimal.Decimal {
	if req.Price != nil {
		return *req.Price
	}
	return lock.KeyPrice
}
