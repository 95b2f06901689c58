package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

const (
	codeLength      = 6
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeAttempts = 8
)

var ErrCodeExhausted = errors.New("could not allocate a free session code")

// CodeChecker reports whether a code is already taken.
type CodeChecker func(ctx context.Context, code string) (bool, error)

// GenerateCode returns a random six character code from A-Z0-9.
func GenerateCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// AllocateCode generates codes until exists reports a free one.
func AllocateCode(ctx context.Context, exists CodeChecker) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return "", err
		}
		taken, err := exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code %s: %w", code, err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}

// ValidCode reports whether code has the shape GenerateCode produces.
func ValidCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// StoreCodeChecker treats a code as taken when the store already holds meta
// for it. Used when no registry database is configured.
func StoreCodeChecker(ch func(code string) *Channel) CodeChecker {
	return func(ctx context.Context, code string) (bool, error) {
		_, ok, err := ch(code).Meta(ctx)
		return ok, err
	}
}
