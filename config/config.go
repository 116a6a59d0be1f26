// Package config loads the global checkout configuration from a yaml file
// and CHECKOUT_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/vitwit/checkout/types"
	"github.com/vitwit/checkout/utils"
)

// EnvPrefix is prepended to every environment override, e.g.
// CHECKOUT_REQUIRED_CONFIRMATIONS.
const EnvPrefix = "CHECKOUT"

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys must be known for env overrides to reach Unmarshal.
	v.SetDefault("required_confirmations", types.DefaultRequiredConfirmations)
	v.SetDefault("poll_interval", types.DefaultPollInterval)
	v.SetDefault("request_timeout", types.DefaultRequestTimeout)
	v.SetDefault("log_level", "info")
	v.SetDefault("enable_metrics", false)
	v.SetDefault("siwe_domain", "")
	v.SetDefault("siwe_uri", "")
	return v
}

// Load reads path, applies environment overrides and defaults, and
// validates the result. An empty path loads from the environment only.
func Load(path string) (*types.CheckoutConfig, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &types.CheckoutError{
				Code:    types.ErrConfigError,
				Message: fmt.Sprintf("failed to read config %s: %v", path, err),
			}
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*types.CheckoutConfig, error) {
	var cfg types.CheckoutConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &types.CheckoutError{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to decode config: %v", err),
		}
	}

	cfg = cfg.WithDefaults()
	if err := utils.ValidateCheckoutConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
