package utils

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/checkout/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	_ = validate.RegisterValidation("address_or_ens", validateAddressOrENSTag)
	_ = validate.RegisterValidation("tx_hash", validateTxHashTag)
}

// ParsePaywallConfig parses and validates a PaywallConfig from JSON
func ParsePaywallConfig(data []byte) (*types.PaywallConfig, error) {
	var cfg types.PaywallConfig

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &types.CheckoutError{
			Code:    types.ErrInvalidConfig,
			Message: fmt.Sprintf("failed to parse paywall config: %v", err),
		}
	}

	if err := ValidatePaywallConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidatePaywallConfig runs struct tag validation on the config and every lock,
// then the structural checks of PaywallConfig.Validate.
func ValidatePaywallConfig(cfg *types.PaywallConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return &types.CheckoutError{
			Code:    types.ErrInvalidConfig,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	for _, e := range cfg.Locks.Entries() {
		lock := e.Config
		if err := validate.Struct(&lock); err != nil {
			return &types.CheckoutError{
				Code:    types.ErrInvalidConfig,
				Message: fmt.Sprintf("lock %s validation failed: %v", e.Address, err),
			}
		}
	}

	return cfg.Validate()
}

// ValidateCheckoutConfig validates a CheckoutConfig using struct tags
func ValidateCheckoutConfig(config *types.CheckoutConfig) error {
	if err := validate.Struct(config); err != nil {
		return &types.CheckoutError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}
	return nil
}

// ValidateVar validates a single value against a tag, e.g. "email".
func ValidateVar(value any, tag string) error {
	return validate.Var(value, tag)
}

func validateAddressOrENSTag(fl validator.FieldLevel) bool {
	return IsAddressOrENS(fl.Field().String())
}

func validateTxHashTag(fl validator.FieldLevel) bool {
	return ValidateTransactionHash(fl.Field().String()) == nil
}
