package sso

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

const (
	PasswordMinimumLength           = "minimum_length"
	PasswordUserAttributeSimilarity = "user_attribute_similarity"
	PasswordCommonPassword          = "common_password"
	PasswordNumeric                 = "numeric"
)

// DefaultMaxSimilarity is the quick ratio at which a password counts as too
// close to one of the user attributes.
const DefaultMaxSimilarity = 0.7

// PasswordCandidate is what the policy inspects: the new password and the
// identity it will belong to.
type PasswordCandidate struct {
	Password string
	User     *User
}

// PasswordPolicy validates new passwords with an ordered validator chain.
type PasswordPolicy struct {
	chain ValidatorChain[PasswordCandidate]
}

// NewPasswordPolicy builds the default chain: minimum length, user attribute
// similarity, common password and all-numeric.
func NewPasswordPolicy(minLength int) *PasswordPolicy {
	if minLength <= 0 {
		minLength = 12
	}

	return &PasswordPolicy{
		chain: ValidatorChain[PasswordCandidate]{
			{Name: PasswordMinimumLength, Check: checkMinimumLength(minLength)},
			{Name: PasswordUserAttributeSimilarity, Check: checkAttributeSimilarity(DefaultMaxSimilarity)},
			{Name: PasswordCommonPassword, Check: checkCommonPassword(CommonPasswords())},
			{Name: PasswordNumeric, Check: checkNumeric},
		},
	}
}

// Validate returns WEAK_PASSWORD tagged with the failing validator name.
func (p *PasswordPolicy) Validate(ctx context.Context, password string, user *User) error {
	return p.chain.Run(ctx, &PasswordCandidate{Password: password, User: user})
}

// Validators returns the validator names in evaluation order.
func (p *PasswordPolicy) Validators() []string {
	return p.chain.Names()
}

func weakPassword(validator string) error {
	return cloneWithMetadata(ErrWeakPassword, map[string]any{"validator": validator})
}

func checkMinimumLength(min int) func(context.Context, *PasswordCandidate) error {
	return func(_ context.Context, in *PasswordCandidate) error {
		if len([]rune(in.Password)) < min {
			return weakPassword(PasswordMinimumLength)
		}
		return nil
	}
}

var nonWord = regexp.MustCompile(`\W+`)

func checkAttributeSimilarity(maxSimilarity float64) func(context.Context, *PasswordCandidate) error {
	return func(_ context.Context, in *PasswordCandidate) error {
		if in.User == nil {
			return nil
		}

		password := strings.ToLower(in.Password)
		attributes := []string{in.User.Username, in.User.FirstName, in.User.LastName, in.User.Email}

		for _, attr := range attributes {
			value := strings.ToLower(strings.TrimSpace(attr))
			if value == "" {
				continue
			}

			if exceedsLengthRatio(password, maxSimilarity, value) {
				continue
			}

			parts := append(nonWord.Split(value, -1), value)
			for _, part := range parts {
				if part == "" {
					continue
				}
				if quickRatio(password, part) >= maxSimilarity {
					return weakPassword(PasswordUserAttributeSimilarity)
				}
			}
		}
		return nil
	}
}

// exceedsLengthRatio skips attributes so short relative to the password that
// they can not reach maxSimilarity.
func exceedsLengthRatio(password string, maxSimilarity float64, value string) bool {
	pwdLen := len([]rune(password))
	valueLen := len([]rune(value))
	bound := maxSimilarity / 2 * float64(pwdLen)
	return pwdLen >= 10*valueLen && float64(valueLen) < bound
}

// quickRatio is an upper bound on sequence similarity computed from shared
// character counts: 2*M/T.
func quickRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}

	avail := make(map[rune]int, len(rb))
	for _, r := range rb {
		avail[r]++
	}

	matches := 0
	for _, r := range ra {
		if avail[r] > 0 {
			avail[r]--
			matches++
		}
	}

	return 2 * float64(matches) / float64(total)
}

func checkCommonPassword(list map[string]struct{}) func(context.Context, *PasswordCandidate) error {
	return func(_ context.Context, in *PasswordCandidate) error {
		if _, found := list[strings.ToLower(strings.TrimSpace(in.Password))]; found {
			return weakPassword(PasswordCommonPassword)
		}
		return nil
	}
}

func checkNumeric(_ context.Context, in *PasswordCandidate) error {
	if in.Password == "" {
		return nil
	}
	for _, r := range in.Password {
		if !unicode.IsDigit(r) {
			return nil
		}
	}
	return weakPassword(PasswordNumeric)
}
