package config

import (
	"fmt"
	"math/big"
	"strings"

	"escrowd/crypto"
)

// Validate rejects configurations the daemon could not run with.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("RPCAddress must not be empty")
	}
	if strings.TrimSpace(cfg.GatewayAddress) == "" {
		return fmt.Errorf("GatewayAddress must not be empty")
	}
	if cfg.RPCAddress == cfg.GatewayAddress {
		return fmt.Errorf("RPCAddress and GatewayAddress must differ")
	}
	if cfg.EventHistory <= 0 {
		return fmt.Errorf("EventHistory must be positive")
	}
	if cfg.Gateway.JWTSecret != "" && len(strings.TrimSpace(cfg.Gateway.JWTSecret)) < 16 {
		return fmt.Errorf("gateway: JWTSecret must be at least 16 characters")
	}
	for i, acct := range cfg.Genesis {
		if _, err := crypto.DecodeAddress(strings.TrimSpace(acct.Address)); err != nil {
			return fmt.Errorf("genesis[%d]: %v", i, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(acct.Balance), 10)
		if !ok || balance.Sign() < 0 {
			return fmt.Errorf("genesis[%d]: invalid balance %q", i, acct.Balance)
		}
	}
	return nil
}
