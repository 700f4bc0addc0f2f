// Package hdpath maps the three Ethereum derivation schemes used by Ledger
// devices to concrete BIP-32 paths and back.
package hdpath

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
)

var ErrUnknownPath = fmt.Errorf("unknown hd path")

// Type is a derivation scheme.
type Type string

const (
	LedgerLive Type = "LedgerLive"
	BIP44      Type = "BIP44"
	Legacy     Type = "Legacy"
)

// Types lists every scheme in the order paths are matched.
var Types = []Type{LedgerLive, BIP44, Legacy}

var bases = map[Type]string{
	LedgerLive: "m/44'/60'/0'/0/0",
	BIP44:      "m/44'/60'/0'/0",
	Legacy:     "m/44'/60'/0'",
}

var patterns = []struct {
	typ Type
	re  *regexp.Regexp
}{
	{LedgerLive, regexp.MustCompile(`^m/44'/60'/(\d+)'/0/0$`)},
	{BIP44, regexp.MustCompile(`^m/44'/60'/0'/0/(\d+)$`)},
	{Legacy, regexp.MustCompile(`^m/44'/60'/0'/(\d+)$`)},
}

func (t Type) Valid() bool {
	_, ok := bases[t]
	return ok
}

// Base returns the base path of t, which is also the path of index 0 for
// LedgerLive and the parent of index 0 for the other schemes.
func Base(t Type) (string, error) {
	b, ok := bases[t]
	if !ok {
		return "", fmt.Errorf("%w: type %q", ErrUnknownPath, t)
	}
	return b, nil
}

// TypeForBase is the inverse of Base.
func TypeForBase(base string) (Type, error) {
	for t, b := range bases {
		if b == base {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: base %q", ErrUnknownPath, base)
}

// PathForIndex returns the path of account i under t.
func PathForIndex(t Type, i int) (string, error) {
	if i < 0 {
		return "", fmt.Errorf("%w: negative index %d", ErrUnknownPath, i)
	}
	switch t {
	case LedgerLive:
		return fmt.Sprintf("m/44'/60'/%d'/0/0", i), nil
	case BIP44, Legacy:
		return fmt.Sprintf("%s/%d", bases[t], i), nil
	default:
		return "", fmt.Errorf("%w: type %q", ErrUnknownPath, t)
	}
}

// TypeForPath infers the scheme of a full account path. m/44'/60'/0'/0/0
// matches both LedgerLive and BIP44 and resolves to LedgerLive.
func TypeForPath(path string) (Type, error) {
	for _, p := range patterns {
		if p.re.MatchString(path) {
			return p.typ, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPath, path)
}

// IndexForPath extracts the account index of path under t.
func IndexForPath(path string, t Type) (int, error) {
	for _, p := range patterns {
		if p.typ != t {
			continue
		}
		m := p.re.FindStringSubmatch(path)
		if m == nil {
			break
		}
		return strconv.Atoi(m[1])
	}
	return 0, fmt.Errorf("%w: %q is not a %s path", ErrUnknownPath, path, t)
}

// Parse returns both the scheme and the index of path.
func Parse(path string) (Type, int, error) {
	t, err := TypeForPath(path)
	if err != nil {
		return "", 0, err
	}
	i, err := IndexForPath(path, t)
	if err != nil {
		return "", 0, err
	}
	return t, i, nil
}

// ToDevicePath strips the leading "m/" the way the Ledger app expects paths.
func ToDevicePath(path string) string {
	return strings.TrimPrefix(path, "m/")
}

// Components returns the BIP-32 indexes of path with hardened offsets applied.
func Components(path string) ([]uint32, error) {
	if !strings.HasPrefix(path, "m/") {
		path = "m/" + path
	}
	dp, err := accounts.ParseDerivationPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownPath, err)
	}
	return []uint32(dp), nil
}
