package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrBadPassword is returned when the control password does not match.
	ErrBadPassword = errors.New("invalid control password")
	// ErrEmptyPassword 控制密码不能为空
	ErrEmptyPassword = errors.New("password is empty")
)

// HashPassword produces the bcrypt hash expected in CONTROL_PASSWORD_HASH.
// Surrounding whitespace is not part of the password.
func HashPassword(password string) (string, error) {
	password = strings.TrimSpace(password)
	if password == "" {
		return "", ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares password with the issuer's control hash. An issuer
// without a hash accepts nothing.
func (i *TokenIssuer) CheckPassword(password string) bool {
	password = strings.TrimSpace(password)
	if len(i.passwordHash) == 0 || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(i.passwordHash, []byte(password)) == nil
}

// Exchange trades the control password for a token issued to subject.
func (i *TokenIssuer) Exchange(password, subject string) (string, error) {
	if !i.CheckPassword(password) {
		return "", ErrBadPassword
	}
	return i.GenerateToken(subject)
}
