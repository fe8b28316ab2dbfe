package model

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Utoa is a minimal uint64-to-string converter for hot-path key building.
func Utoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// ParseAddress parses a 0x-prefixed hex address. The zero address is returned
// as-is; callers decide whether it is acceptable.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParsePrice parses a base-10 unsigned integer price.
func ParsePrice(s string) (*big.Int, error) {
	p, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid price %q", s)
	}
	if p.Sign() < 0 {
		return nil, fmt.Errorf("negative price %q", s)
	}
	return p, nil
}

// Units returns n whole units scaled to PriceDecimals (n * 10^18).
func Units(n int64) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)
	return scale.Mul(scale, big.NewInt(n))
}

// FormatUnits renders a fixed-point price as a decimal string in whole units,
// trimming trailing zeros ("1010.5" for 1010.5 * 10^18).
func FormatUnits(p *big.Int) string {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)
	neg := p.Sign() < 0
	abs := new(big.Int).Abs(p)
	q, r := new(big.Int).QuoRem(abs, scale, new(big.Int))
	s := q.String()
	if r.Sign() != 0 {
		rs := r.String()
		frac := strings.Repeat("0", PriceDecimals-len(rs)) + rs
		s += "." + strings.TrimRight(frac, "0")
	}
	if neg {
		s = "-" + s
	}
	return s
}
