// Package symbol canonicalizes A-share security codes.
package symbol

import (
	"fmt"
	"strings"

	apperrors "quantgraph/pkg/errors"
)

// Length is the number of digits in a canonical code.
const Length = 6

// Exchange prefixes used in qualified symbols.
const (
	ExchangeShanghai = "sh"
	ExchangeShenzhen = "sz"
)

// Symbol is a zero-padded 6-digit security code.
type Symbol string

// QualifiedSymbol is an exchange prefix followed by a Symbol, e.g. "sh600519".
type QualifiedSymbol string

// InvalidSymbolError reports input that cannot be normalized.
type InvalidSymbolError struct {
	Input  string
	Reason string
}

func (e *InvalidSymbolError) Error() string {
	return fmt.Sprintf("invalid symbol %q: %s", e.Input, e.Reason)
}

func (e *InvalidSymbolError) Unwrap() error {
	return apperrors.ErrInvalidSymbol
}

// Normalize accepts 1-6 ASCII digits and left-pads them with '0'.
func Normalize(input string) (Symbol, error) {
	if input == "" {
		return "", &InvalidSymbolError{Input: input, Reason: "empty"}
	}
	if len(input) > Length {
		return "", &InvalidSymbolError{Input: input, Reason: fmt.Sprintf("more than %d digits", Length)}
	}
	for i := 0; i < len(input); i++ {
		if input[i] < '0' || input[i] > '9' {
			return "", &InvalidSymbolError{Input: input, Reason: "non-digit character"}
		}
	}
	return Symbol(strings.Repeat("0", Length-len(input)) + input), nil
}

// MustNormalize is Normalize for literals; it panics on invalid input.
func MustNormalize(input string) Symbol {
	s, err := Normalize(input)
	if err != nil {
		panic(err)
	}
	return s
}

// Qualify derives the exchange-qualified form.
//
// Codes starting with '6' are Shanghai, everything else is Shenzhen. This
// deliberately ignores the Beijing exchange and other boards.
func Qualify(s Symbol) QualifiedSymbol {
	return QualifiedSymbol(s.Exchange() + string(s))
}

// Exchange returns the exchange prefix for the code.
func (s Symbol) Exchange() string {
	if strings.HasPrefix(string(s), "6") {
		return ExchangeShanghai
	}
	return ExchangeShenzhen
}

// Qualified is shorthand for Qualify(s).
func (s Symbol) Qualified() QualifiedSymbol {
	return Qualify(s)
}

func (s Symbol) String() string {
	return string(s)
}

// Symbol strips the exchange prefix.
func (q QualifiedSymbol) Symbol() Symbol {
	str := string(q)
	if len(str) > 2 {
		return Symbol(str[2:])
	}
	return Symbol(str)
}

func (q QualifiedSymbol) String() string {
	return string(q)
}
