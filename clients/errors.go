package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/vitwit/checkout/types"
)

// EIP-1193 provider error codes
const (
	ProviderCodeUserRejected      = 4001
	ProviderCodeUnauthorized      = 4100
	ProviderCodeUnsupportedMethod = 4200
	ProviderCodeDisconnected      = 4900
	ProviderCodeChainDisconnected = 4901
)

// ProviderError is an error raised by a wallet provider.
type ProviderError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

func (e *ProviderError) ErrorCode() int { return e.Code }

var _ rpc.Error = (*ProviderError)(nil)

var rejectionPhrases = []string{
	"user rejected",
	"user denied",
	"rejected by user",
	"request rejected",
}

// IsUserRejection reports whether err is the user declining a wallet prompt.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	var rerr rpc.Error
	if errors.As(err, &rerr) && rerr.ErrorCode() == ProviderCodeUserRejected {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range rejectionPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ClassifySubmissionError maps a submission failure to a checkout error code.
func ClassifySubmissionError(err error) string {
	switch {
	case err == nil:
		return ""
	case IsUserRejection(err):
		return types.ErrUserRejected
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrNetworkError
	}
	return types.ErrorCode(err, types.ErrSubmissionFailed)
}

// ClassifyConnectError maps a provider connection failure to a checkout error code.
func ClassifyConnectError(err error) string {
	if err == nil {
		return ""
	}
	if IsUserRejection(err) {
		return types.ErrUserRejected
	}
	var rerr rpc.Error
	if errors.As(err, &rerr) {
		switch rerr.ErrorCode() {
		case ProviderCodeDisconnected, ProviderCodeChainDisconnected, ProviderCodeUnsupportedMethod:
			return types.ErrProviderUnavailable
		}
	}
	return types.ErrorCode(err, types.ErrConnectionFailed)
}

// WrapSubmissionError turns a submission failure into a CheckoutError.
func WrapSubmissionError(err error) *types.CheckoutError {
	if err == nil {
		return nil
	}
	var ce *types.CheckoutError
	if errors.As(err, &ce) {
		return ce
	}
	return &types.CheckoutError{Code: ClassifySubmissionError(err), Message: err.Error()}
}
