package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrExpiredTicket       = errors.New("ticket has expired")
	ErrInvalidSecretLength = errors.New("JWT secret must be at least 32 characters")
)

// JWTConfig holds the settings for platform tickets signed as JWTs.
type JWTConfig struct {
	// Secret is the HMAC signing key shared with the identity platform.
	Secret string
	// Issuer, when set, must match the iss claim of every ticket.
	Issuer string
}

// TicketClaims is the claim set carried by a JWT ticket. Subject holds the
// primary account id and Linked any other ids that belong to the same player.
type TicketClaims struct {
	jwt.RegisteredClaims
	Linked []string `json:"linked,omitempty"`
}

// JWTAuthenticator verifies HS256 tickets.
type JWTAuthenticator struct {
	config JWTConfig
}

func NewJWTAuthenticator(config JWTConfig) (*JWTAuthenticator, error) {
	if len(config.Secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	return &JWTAuthenticator{config: config}, nil
}

func (a *JWTAuthenticator) Kind() TicketKind { return TicketJWT }

func (a *JWTAuthenticator) VerifyTicket(ctx context.Context, ticket []byte) (AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return None, err
	}

	var opts []jwt.ParserOption
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}
	token, err := jwt.ParseWithClaims(string(ticket), &TicketClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.config.Secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return None, ErrExpiredTicket
		}
		return None, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}

	claims, ok := token.Claims.(*TicketClaims)
	if !ok || !token.Valid {
		return None, ErrInvalidTicket
	}

	primary, err := ParseAccountID(claims.Subject)
	if err != nil {
		return None, fmt.Errorf("%w: subject: %v", ErrInvalidTicket, err)
	}
	var linked []AccountID
	for _, l := range claims.Linked {
		id, err := ParseAccountID(l)
		if err != nil {
			return None, fmt.Errorf("%w: linked id %q: %v", ErrInvalidTicket, l, err)
		}
		if id != primary {
			linked = append(linked, id)
		}
	}
	return NewAccountInfo(primary, linked...), nil
}

// IssueTicket signs a ticket for the given identity. It is used by local
// tooling that stands in for the identity platform.
func (a *JWTAuthenticator) IssueTicket(info AccountInfo, ttl time.Duration) (string, error) {
	if info.IsNone() {
		return "", ErrInvalidAccountID
	}
	now := time.Now()
	claims := &TicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.config.Issuer,
			Subject:   info.AccountID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	for _, id := range info.OtherMatchingIDs {
		claims.Linked = append(claims.Linked, id.String())
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.config.Secret))
	if err != nil {
		return "", fmt.Errorf("signing ticket: %w", err)
	}
	return signed, nil
}
