// Package security holds the signing, hashing, and key-handling primitives
// for operator identity: JWT access tokens, rotating refresh tokens, and
// bcrypt password verification.
package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is the single externally visible verification failure.
// Callers get no richer oracle; the wrapped cause is for logs only.
var ErrInvalidToken = errors.New("invalid token")

var (
	errTokenExpired   = errors.New("token expired")
	errTokenMalformed = errors.New("token malformed")
)

// DefaultRefreshLifetime is used when a refresh lifetime expression cannot be parsed.
const DefaultRefreshLifetime = 7 * 24 * time.Hour

// AccessClaims are the claims carried by a short-lived access token.
// Subject is the operator's subject id.
type AccessClaims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name"`
	Role        string `json:"role"`
}

// RefreshClaims are the claims carried by a rotating refresh token.
// The jti (RegisteredClaims.ID) is the revocation key for the matching RefreshRecord.
type RefreshClaims struct {
	jwt.RegisteredClaims
}

// TokenProvider issues and verifies access and refresh JWTs signed with
// RS256 or ES256. Construct once at startup and share by handle.
type TokenProvider struct {
	privateKey  crypto.Signer
	publicKey   crypto.PublicKey
	issuer      string
	audience    string
	accessTTL   time.Duration
	refreshTTL  time.Duration
}

// NewTokenProvider returns a TokenProvider signing with privateKey.
// refreshLifetime is a <int><unit> expression (unit d/h/m/s); an unparsable
// expression falls back to DefaultRefreshLifetime.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL time.Duration, refreshLifetime string) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: ParseLifetime(refreshLifetime),
	}
}

// RefreshTTL reports the configured refresh-token lifetime.
func (p *TokenProvider) RefreshTTL() time.Duration { return p.refreshTTL }

// IssueAccess issues a short-lived access token carrying the subject's
// display name and role. Returns the signed token and its expiry.
func (p *TokenProvider) IssueAccess(subjectID, displayName, role string) (token string, expiresAt time.Time, err error) {
	now := time.Now().UTC()
	expiresAt = now.Add(p.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		DisplayName: displayName,
		Role:        role,
	}
	token, err = p.sign(claims)
	return token, expiresAt, err
}

// IssueRefresh issues a rotating refresh token with a fresh random jti.
// The caller must persist a RefreshRecord for the returned jti before
// handing the token to the client.
func (p *TokenProvider) IssueRefresh(subjectID string) (token, jti string, expiresAt time.Time, err error) {
	jti, err = newJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt = now.Add(p.refreshTTL)
	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   subjectID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err = p.sign(claims)
	return token, jti, expiresAt, err
}

// VerifyAccess parses and verifies an access token. Any failure returns an
// error satisfying errors.Is(err, ErrInvalidToken); the wrapped cause
// (expired vs malformed) is kept for audit logging only.
func (p *TokenProvider) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := p.verify(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyRefresh parses and verifies a refresh token and returns its subject
// and jti. Failures are uniform, as with VerifyAccess.
func (p *TokenProvider) VerifyRefresh(tokenString string) (subjectID, jti string, err error) {
	claims := &RefreshClaims{}
	if err := p.verify(tokenString, claims); err != nil {
		return "", "", err
	}
	if claims.ID == "" {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, errTokenMalformed)
	}
	return claims.Subject, claims.ID, nil
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	return jwt.NewWithClaims(method, claims).SignedString(p.privateKey)
}

func (p *TokenProvider) verify(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
			return p.publicKey, nil
		}
		return nil, ErrInvalidToken
	},
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
	)
	if err != nil {
		cause := errTokenMalformed
		if errors.Is(err, jwt.ErrTokenExpired) {
			cause = errTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, cause)
	}
	if !token.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidToken, errTokenMalformed)
	}
	return nil
}

// ParseLifetime parses a lifetime expression of the form <integer><unit>
// with unit d, h, m, or s (e.g. "7d", "12h"). Unparsable expressions and
// non-positive values fall back to DefaultRefreshLifetime.
func ParseLifetime(expr string) time.Duration {
	if len(expr) < 2 {
		return DefaultRefreshLifetime
	}
	n, err := strconv.Atoi(expr[:len(expr)-1])
	if err != nil || n <= 0 {
		return DefaultRefreshLifetime
	}
	switch expr[len(expr)-1] {
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	case 'h':
		return time.Duration(n) * time.Hour
	case 'm':
		return time.Duration(n) * time.Minute
	case 's':
		return time.Duration(n) * time.Second
	default:
		return DefaultRefreshLifetime
	}
}

func newJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
