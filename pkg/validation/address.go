package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

var ErrInvalidAddress = errors.New("invalid address")

// ValidateAddress checks that addr decodes as a bitcoin address of the given network.
func ValidateAddress(addr string, params *chaincfg.Params) error {
	_, err := decode(addr, params)
	return err
}

// NormalizeAddress trims surrounding whitespace from an address.
func NormalizeAddress(addr string) string {
	return strings.TrimSpace(addr)
}

// ValidateAndNormalizeAddress validates an address and returns its canonical encoding
func ValidateAndNormalizeAddress(addr string, params *chaincfg.Params) (string, error) {
	decoded, err := decode(addr, params)
	if err != nil {
		return "", err
	}
	return decoded.EncodeAddress(), nil
}

func decode(addr string, params *chaincfg.Params) (btcutil.Address, error) {
	addr = NormalizeAddress(addr)
	if addr == "" {
		return nil, fmt.Errorf("%w: address cannot be empty", ErrInvalidAddress)
	}

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("%w: address is not for network %s", ErrInvalidAddress, params.Name)
	}
	return decoded, nil
}
