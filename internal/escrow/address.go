package escrow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	apperrors "github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/errors"
)

// Address is a 20-byte account identity in EIP-55 checksummed hex form.
type Address string

// NormalizeAddress accepts a 0x-prefixed or bare 40-digit hex identity in any
// case and returns its checksummed form.
func NormalizeAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: address %q must be 20 bytes of hex", apperrors.ErrInvalidInput, s)
	}
	return Address(common.HexToAddress(s).Hex()), nil
}

// NormalizeAddresses normalises every entry, failing on the first bad one.
func NormalizeAddresses(in []string) ([]Address, error) {
	out := make([]Address, len(in))
	for i, s := range in {
		a, err := NormalizeAddress(s)
		if err != nil {
			return nil, err
		}
		out[i] = a
	}
	return out, nil
}

func (a Address) String() string {
	return string(a)
}
