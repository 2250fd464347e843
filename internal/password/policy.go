// Package password enforces the password strength policy and performs
// one-way hashing of credentials.
package password

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// DefaultMinLength and DefaultCost are used when a Policy is built with
// zero values.
const (
	DefaultMinLength = 8
	DefaultCost      = 12
)

// Symbols is the set of characters accepted by the symbol rule.
const Symbols = "!@#$%^&*()_+-=[]{}|;:'\",.<>/?`~\\"

// ErrHashing wraps any failure of the underlying hash function.
var ErrHashing = errors.New("password hashing failed")

// Rule identifies a strength rule. Rules are checked in declaration order.
type Rule string

const (
	RuleLength     Rule = "length"
	RuleUppercase  Rule = "uppercase"
	RuleLowercase  Rule = "lowercase"
	RuleDigit      Rule = "digit"
	RuleSymbol     Rule = "symbol"
	RuleCommon     Rule = "common"
	RuleSequential Rule = "sequential"
	RuleRepeated   Rule = "repeated"
)

// Violation is returned by ValidateStrength for the first rule a password
// breaks. Message is safe to show to the user.
type Violation struct {
	Rule    Rule
	Message string
}

func (v *Violation) Error() string { return v.Message }

// sequences are the keyboard, alphabet and number runs checked by the
// sequential rule, in both directions.
var sequences = []string{
	"abcdefghijklmnopqrstuvwxyz",
	"0123456789",
	"qwertyuiop",
	"asdfghjkl",
	"zxcvbnm",
}

// commonPasswords is matched case-insensitively against the whole password.
var commonPasswords = map[string]struct{}{
	"password": {}, "password1": {}, "password1!": {}, "password123": {}, "password123!": {},
	"passw0rd": {}, "passw0rd!": {}, "p@ssw0rd": {}, "p@ssw0rd1": {}, "p@ssword1": {},
	"123456": {}, "12345678": {}, "123456789": {}, "1234567890": {},
	"qwerty": {}, "qwerty1!": {}, "qwerty123": {}, "qwerty123!": {},
	"abc123": {}, "abc123!": {}, "letmein": {}, "letmein1!": {},
	"welcome": {}, "welcome1": {}, "welcome1!": {}, "welcome123!": {},
	"admin": {}, "admin123": {}, "admin123!": {}, "admin@123": {},
	"monkey": {}, "dragon": {}, "iloveyou": {}, "iloveyou1!": {},
	"sunshine": {}, "sunshine1!": {}, "football": {}, "football1!": {},
	"changeme": {}, "changeme1!": {}, "secret": {}, "secret1!": {},
	"trustno1": {}, "trustno1!": {}, "master": {}, "master1!": {},
	"summer2024!": {}, "winter2024!": {}, "spring2024!": {}, "autumn2024!": {},
}

// Policy validates, scores and hashes passwords. The zero value is not
// usable; build one with New.
type Policy struct {
	minLength int
	cost      int

	dummyOnce sync.Once
	dummyHash []byte
}

// New returns a Policy. Non-positive minLength or an out of range cost fall
// back to the defaults.
func New(minLength, cost int) *Policy {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return &Policy{minLength: minLength, cost: cost}
}

// MinLength returns the configured minimum password length.
func (p *Policy) MinLength() int { return p.minLength }

// Hash returns a salted bcrypt hash of plain. Weak input is not rejected
// here; call ValidateStrength first.
func (p *Policy) Hash(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), p.cost)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHashing, err)
	}
	return string(b), nil
}

// Verify reports whether plain matches hash. A malformed hash is a
// mismatch, not an error.
func (p *Policy) Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// VerifyDummy spends the same work as Verify against a hash that matches no
// password. Login calls it for unknown accounts so both paths take the same
// time.
func (p *Policy) VerifyDummy(plain string) {
	p.dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("dummy-password-never-matches"), p.cost)
		if err == nil {
			p.dummyHash = h
		}
	})
	if p.dummyHash != nil {
		_ = bcrypt.CompareHashAndPassword(p.dummyHash, []byte(plain))
	}
}

// ValidateStrength returns a *Violation for the first rule plain breaks, or
// nil. Rules run in the order length, uppercase, lowercase, digit, symbol,
// common, sequential, repeated.
func (p *Policy) ValidateStrength(plain string) error {
	if len([]rune(plain)) < p.minLength {
		return &Violation{Rule: RuleLength, Message: fmt.Sprintf("password must be at least %d characters long", p.minLength)}
	}
	c := classify(plain)
	if !c.upper {
		return &Violation{Rule: RuleUppercase, Message: "password must contain at least one uppercase letter"}
	}
	if !c.lower {
		return &Violation{Rule: RuleLowercase, Message: "password must contain at least one lowercase letter"}
	}
	if !c.digit {
		return &Violation{Rule: RuleDigit, Message: "password must contain at least one number"}
	}
	if !c.symbol {
		return &Violation{Rule: RuleSymbol, Message: "password must contain at least one special character"}
	}
	if IsCommon(plain) {
		return &Violation{Rule: RuleCommon, Message: "password is too common, please choose a more unique password"}
	}
	if HasSequence(plain) {
		return &Violation{Rule: RuleSequential, Message: "password must not contain sequential characters (e.g. abc, 123, qwe)"}
	}
	if HasRepeat(plain) {
		return &Violation{Rule: RuleRepeated, Message: "password must not contain three or more repeated characters"}
	}
	return nil
}

// IsCommon reports whether plain is on the common-password denylist.
func IsCommon(plain string) bool {
	_, ok := commonPasswords[strings.ToLower(plain)]
	return ok
}

// HasSequence reports whether plain contains a three character run of a
// known sequence, forwards or reversed, ignoring case.
func HasSequence(plain string) bool {
	s := []rune(strings.ToLower(plain))
	for i := 0; i+3 <= len(s); i++ {
		w := string(s[i : i+3])
		for _, seq := range sequences {
			if strings.Contains(seq, w) || strings.Contains(reverse(seq), w) {
				return true
			}
		}
	}
	return false
}

// HasRepeat reports whether plain contains three or more identical
// consecutive characters.
func HasRepeat(plain string) bool {
	s := []rune(plain)
	for i := 2; i < len(s); i++ {
		if s[i] == s[i-1] && s[i] == s[i-2] {
			return true
		}
	}
	return false
}

type classes struct {
	upper, lower, digit, symbol bool
}

func classify(plain string) classes {
	var c classes
	for _, r := range plain {
		switch {
		case unicode.IsUpper(r):
			c.upper = true
		case unicode.IsLower(r):
			c.lower = true
		case unicode.IsDigit(r):
			c.digit = true
		case strings.ContainsRune(Symbols, r):
			c.symbol = true
		}
	}
	return c
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
