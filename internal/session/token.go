package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiry extracts the expiry claim from an access token without
// verifying its signature. The directory is the verifier; the client
// only needs the expiry to schedule a refresh ahead of it.
func tokenExpiry(accessToken string) (time.Time, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("parse access token: %w", err)
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("access token has no expiry claim")
	}
	return exp.Time, nil
}
