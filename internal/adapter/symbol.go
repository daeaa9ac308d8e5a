package adapter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrBadSymbol is returned for symbols outside the canonical BASEUSDT form or
// that do not match an exchange's format.
var ErrBadSymbol = errors.New("bad symbol")

const quoteAsset = "USDT"

var canonicalRe = regexp.MustCompile(`^[A-Z0-9]+USDT$`)

// SymbolFormat describes how an exchange spells a canonical symbol such as
// PUMPUSDT: PUMP-USDT, PUMP_USDT, PUMPUSDTM, pumpusdt...
type SymbolFormat struct {
	Sep    string // between base and quote
	Suffix string // appended after the quote
	Lower  bool
}

// Format converts a canonical symbol to the exchange spelling.
func (f SymbolFormat) Format(canonical string) (string, error) {
	if !IsCanonical(canonical) {
		return "", fmt.Errorf("%w: %q", ErrBadSymbol, canonical)
	}
	base := strings.TrimSuffix(canonical, quoteAsset)
	s := base + f.Sep + quoteAsset + f.Suffix
	if f.Lower {
		s = strings.ToLower(s)
	}
	return s, nil
}

// Parse converts an exchange spelling back to the canonical symbol.
func (f SymbolFormat) Parse(s string) (string, error) {
	if f.Lower && s != strings.ToLower(s) {
		return "", fmt.Errorf("%w: %q is not lower case", ErrBadSymbol, s)
	}
	u := strings.ToUpper(s)
	suffix := strings.ToUpper(f.Suffix)
	if !strings.HasSuffix(u, quoteAsset+suffix) {
		return "", fmt.Errorf("%w: %q", ErrBadSymbol, s)
	}
	u = strings.TrimSuffix(u, suffix)
	base := strings.TrimSuffix(u, quoteAsset)
	if f.Sep != "" {
		if !strings.HasSuffix(base, f.Sep) {
			return "", fmt.Errorf("%w: %q missing %q", ErrBadSymbol, s, f.Sep)
		}
		base = strings.TrimSuffix(base, f.Sep)
	}
	canonical := base + quoteAsset
	if !IsCanonical(canonical) {
		return "", fmt.Errorf("%w: %q", ErrBadSymbol, s)
	}
	return canonical, nil
}

// IsCanonical reports whether s is a base asset followed by USDT, upper case.
func IsCanonical(s string) bool {
	return canonicalRe.MatchString(s)
}

// NormalizeSymbol accepts user input in any common spelling (btc-usdt,
// BTC_USDT, BTCUSDT) and returns the canonical form.
func NormalizeSymbol(s string) (string, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	u = strings.NewReplacer("-", "", "_", "", "/", "").Replace(u)
	if !IsCanonical(u) {
		return "", fmt.Errorf("%w: %q", ErrBadSymbol, s)
	}
	return u, nil
}
