package password

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// Strength levels reported by Score.
const (
	LevelWeak   = "weak"
	LevelFair   = "fair"
	LevelGood   = "good"
	LevelStrong = "strong"
)

// Strength is the advisory result of Score. It never gates an operation.
type Strength struct {
	Score    int      `json:"score"`
	Level    string   `json:"level"`
	Feedback []string `json:"feedback"`
}

// Score rates plain on a 0..100 scale.
func (p *Policy) Score(plain string) Strength {
	var (
		score    int
		feedback []string
	)
	n := len([]rune(plain))
	if n >= 8 {
		score += 25
	} else {
		feedback = append(feedback, "Use at least 8 characters")
	}
	if n >= 12 {
		score += 25
	} else {
		feedback = append(feedback, "Use 12 or more characters for better security")
	}
	c := classify(plain)
	if c.lower {
		score += 10
	} else {
		feedback = append(feedback, "Add lowercase letters")
	}
	if c.upper {
		score += 10
	} else {
		feedback = append(feedback, "Add uppercase letters")
	}
	if c.digit {
		score += 10
	} else {
		feedback = append(feedback, "Add numbers")
	}
	if c.symbol {
		score += 20
	} else {
		feedback = append(feedback, "Add special characters")
	}
	if !HasSequence(plain) {
		score += 5
	} else {
		feedback = append(feedback, "Avoid sequential characters")
	}
	if !HasRepeat(plain) {
		score += 5
	} else {
		feedback = append(feedback, "Avoid repeated characters")
	}
	if score > 100 {
		score = 100
	}

	level := LevelStrong
	switch {
	case score < 40:
		level = LevelWeak
	case score < 60:
		level = LevelFair
	case score < 80:
		level = LevelGood
	}
	if feedback == nil {
		feedback = []string{}
	}
	return Strength{Score: score, Level: level, Feedback: feedback}
}

const (
	lowerChars = "abcdefghijklmnopqrstuvwxyz"
	upperChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars = "0123456789"
	// symbolChars is the subset of Symbols used for generated passwords.
	symbolChars = "!@#$%^&*()_+-=[]{}|;:,.<>?"

	// DefaultGenerateLength is the length Generate uses for n <= 0.
	DefaultGenerateLength = 12

	maxGenerateAttempts = 100
)

var errGenerateExhausted = errors.New("password: could not generate a compliant password")

// Generate returns a random password of length n (at least the policy
// minimum) with one lowercase, uppercase, digit and symbol character, the
// remainder drawn from all four classes, in shuffled order. The result
// always passes ValidateStrength.
func (p *Policy) Generate(n int) (string, error) {
	if n <= 0 {
		n = DefaultGenerateLength
	}
	if n < p.minLength {
		n = p.minLength
	}
	if n < 4 {
		n = 4
	}
	all := lowerChars + upperChars + digitChars + symbolChars
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		buf := make([]byte, 0, n)
		for _, set := range []string{lowerChars, upperChars, digitChars, symbolChars} {
			ch, err := pick(set)
			if err != nil {
				return "", err
			}
			buf = append(buf, ch)
		}
		for len(buf) < n {
			ch, err := pick(all)
			if err != nil {
				return "", err
			}
			buf = append(buf, ch)
		}
		if err := shuffle(buf); err != nil {
			return "", err
		}
		if p.ValidateStrength(string(buf)) == nil {
			return string(buf), nil
		}
	}
	return "", errGenerateExhausted
}

func pick(set string) (byte, error) {
	i, err := randInt(len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

// shuffle is a Fisher-Yates shuffle driven by crypto/rand.
func shuffle(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		j, err := randInt(i + 1)
		if err != nil {
			return err
		}
		b[i], b[j] = b[j], b[i]
	}
	return nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// Similarity returns 1 - levenshtein(a, b)/max(len(a), len(b)), so 1.0 means
// identical and 0.0 completely different. Two empty strings are identical.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
