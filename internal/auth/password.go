package auth

import (
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const MinPasswordStrength = 2

// PasswordStrength scores a password one point each for a length of at
// least 6, a length of at least 8, an upper-case letter and a digit.
func PasswordStrength(pw string) int {
	score := 0
	n := len([]rune(pw))
	if n >= 6 {
		score++
	}
	if n >= 8 {
		score++
	}
	var upper, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if upper {
		score++
	}
	if digit {
		score++
	}
	return score
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func CheckPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}
