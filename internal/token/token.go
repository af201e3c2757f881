// Package token mints the signed access tokens CNCjs expects in the
// socket handshake query.
package token

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xhit/go-str2duration/v2"
)

// PendantIdentity is the identity every pendant session authenticates as.
var PendantIdentity = Identity{ID: "", Name: "cncjs-pendant"}

var bareNumber = regexp.MustCompile(`^\d+$`)

// Identity is the payload embedded in the token claims.
type Identity struct {
	ID   string
	Name string
}

// Claims is the decoded form of an issued token.
type Claims struct {
	UserID string `json:"id"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// SigningError reports a token that could not be minted or verified.
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signing error: %s: %v", e.Reason, e.Err)
	}
	return "signing error: " + e.Reason
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// now is swapped in tests.
var now = time.Now

// Issue signs identity with secret using HS256. The token expires lifetime
// after issuance; see ParseLifetime for the accepted expressions.
func Issue(identity Identity, secret, lifetime string) (string, error) {
	if secret == "" {
		return "", &SigningError{Reason: "secret is empty"}
	}

	ttl, err := ParseLifetime(lifetime)
	if err != nil {
		return "", err
	}

	issuedAt := now()
	claims := Claims{
		UserID: identity.ID,
		Name:   identity.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", &SigningError{Reason: "failed to sign token", Err: err}
	}

	return signed, nil
}

// Parse verifies tokenString against secret and returns its claims.
func Parse(tokenString, secret string) (*Claims, error) {
	if secret == "" {
		return nil, &SigningError{Reason: "secret is empty"}
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return nil, &SigningError{Reason: "invalid token", Err: err}
	}

	return &claims, nil
}

// ParseLifetime converts a lifetime expression such as "30d", "12h" or
// "1w2d" into a duration. A bare integer is read as milliseconds.
func ParseLifetime(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, &SigningError{Reason: "token lifetime is empty"}
	}

	var (
		d   time.Duration
		err error
	)
	if bareNumber.MatchString(expr) {
		var ms int64
		ms, err = strconv.ParseInt(expr, 10, 64)
		d = time.Duration(ms) * time.Millisecond
	} else {
		d, err = str2duration.ParseDuration(expr)
	}
	if err != nil {
		return 0, &SigningError{Reason: fmt.Sprintf("malformed token lifetime %q", expr), Err: err}
	}
	if d <= 0 {
		return 0, &SigningError{Reason: fmt.Sprintf("token lifetime %q must be positive", expr)}
	}

	return d, nil
}

// IsSigningError reports whether err is or wraps a *SigningError.
func IsSigningError(err error) bool {
	var se *SigningError
	return errors.As(err, &se)
}
