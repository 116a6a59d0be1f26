package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var ensName = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`)

// IsAddress checks a 0x-prefixed 20 byte hex address
func IsAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// IsENSName checks the syntax of an ENS name like "vitalik.eth"
func IsENSName(s string) bool {
	return ensName.MatchString(strings.ToLower(s))
}

// IsAddressOrENS accepts either a hex address or an ENS name
func IsAddressOrENS(s string) bool {
	s = strings.TrimSpace(s)
	return IsAddress(s) || IsENSName(s)
}

// SameAddress compares two addresses case-insensitively
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ValidateTransactionHash validates an EVM transaction hash
func ValidateTransactionHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}

	// EVM transaction hash - 66 characters (0x + 64 hex)
	if !strings.HasPrefix(hash, "0x") {
		return fmt.Errorf("EVM transaction hash must start with 0x")
	}
	if len(hash) != 66 {
		return fmt.Errorf("EVM transaction hash must be 66 characters long")
	}
	if !isHexString(hash[2:]) {
		return fmt.Errorf("EVM transaction hash must be valid hex")
	}

	return nil
}

// TotalPrice multiplies a key price by a quantity
func TotalPrice(price decimal.Decimal, quantity int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(quantity)))
}

func isHexString(s string) bool {
	match, _ := regexp.MatchString("^[0-9a-fA-F]+$", s)
	return match
}
