package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/parknet-project/parknet/internal/util"
)

// ErrInvalidTicket is returned for tickets that fail verification.
var ErrInvalidTicket = errors.New("invalid reconnect ticket")

// TicketClaims identify a player across a reconnect.
type TicketClaims struct {
	Name    string `json:"name"`
	GroupID uint8  `json:"group"`
	jwt.RegisteredClaims
}

// TicketIssuer signs reconnect tickets with a per-process secret, so
// tickets do not survive a server restart.
type TicketIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewTicketIssuer creates an issuer with a random secret.
func NewTicketIssuer(issuer string, ttl time.Duration) (*TicketIssuer, error) {
	secret, err := util.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	return &TicketIssuer{secret: secret, ttl: ttl, issuer: issuer}, nil
}

// Issue creates a ticket bound to keyHash.
func (t *TicketIssuer) Issue(keyHash, name string, groupID uint8, now time.Time) (string, error) {
	claims := TicketClaims{
		Name:    name,
		GroupID: groupID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    t.issuer,
			Subject:   keyHash,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign ticket: %w", err)
	}
	return signed, nil
}

// Verify parses a ticket and checks it belongs to keyHash.
func (t *TicketIssuer) Verify(ticket, keyHash string) (*TicketClaims, error) {
	claims := &TicketClaims{}
	_, err := jwt.ParseWithClaims(ticket, claims, func(tok *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithSubject(keyHash),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	return claims, nil
}
