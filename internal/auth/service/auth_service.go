// Package service implements the token service: login, single-use refresh
// rotation with reuse detection, logout, and session validation for viewer
// connections.
package service

import (
	"context"
	"errors"
	"log"
	"time"

	"fleet-control-plane/backend/internal/audit"
	"fleet-control-plane/backend/internal/auth/domain"
	"fleet-control-plane/backend/internal/security"
	userdomain "fleet-control-plane/backend/internal/user/domain"
)

// Sentinel errors for the auth service; the HTTP layer maps them to status codes.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrRefreshTokenReuse   = errors.New("refresh token reuse detected; all sessions revoked")
	ErrAccountDisabled     = errors.New("account disabled")
)

// Identity is the authenticated caller extracted from a valid token.
type Identity struct {
	SubjectID   string
	DisplayName string
	Role        userdomain.Role
}

// AuthResult holds the outcome of Login or Refresh.
type AuthResult struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Identity         Identity
}

// RefreshRepo is the minimal refresh-record repository needed by the auth service.
type RefreshRepo interface {
	GetByJTI(ctx context.Context, jti string) (*domain.RefreshRecord, error)
	Create(ctx context.Context, rec *domain.RefreshRecord) error
	Revoke(ctx context.Context, jti string, reason domain.RevokeReason) (bool, error)
	RevokeAllBySubject(ctx context.Context, subjectID string, reason domain.RevokeReason) (int, error)
}

// UserDirectory is the minimal user lookup needed by the auth service.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	GetByUsername(ctx context.Context, username string) (*userdomain.User, error)
}

// AuthService implements password login and the refresh rotation protocol.
type AuthService struct {
	users   UserDirectory
	records RefreshRepo
	hasher  *security.Hasher
	tokens  *security.TokenProvider
	auditor audit.AuditLogger
}

// NewAuthService returns an AuthService with the given dependencies.
// auditor may be nil; audit writes are best-effort either way.
func NewAuthService(users UserDirectory, records RefreshRepo, hasher *security.Hasher, tokens *security.TokenProvider, auditor audit.AuditLogger) *AuthService {
	return &AuthService{
		users:   users,
		records: records,
		hasher:  hasher,
		tokens:  tokens,
		auditor: auditor,
	}
}

// Login authenticates with username/password and returns a fresh token pair.
// The refresh record is persisted before the tokens are returned.
func (s *AuthService) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Active {
		return nil, ErrInvalidCredentials
	}
	if err := s.hasher.Compare(user.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	result, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, user.ID, "auth.login", "")
	return result, nil
}

// Refresh redeems a refresh token. Each token is single-use: redemption
// revokes the presented jti (reason rotated) and issues a new pair. A token
// whose record is already revoked is treated as a theft signal: every
// non-revoked record of that subject is revoked (reason reuse_detected) and
// the caller gets ErrRefreshTokenReuse.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}
	subjectID, jti, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	rec, err := s.records.GetByJTI(ctx, jti)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrInvalidRefreshToken
	}
	if rec.Revoked() {
		return nil, s.handleReuse(ctx, subjectID, jti)
	}
	if rec.Expired(time.Now().UTC()) {
		return nil, ErrInvalidRefreshToken
	}
	if rec.TokenHash != "" && !security.RefreshTokenHashEqual(refreshToken, rec.TokenHash) {
		return nil, ErrInvalidRefreshToken
	}
	user, err := s.users.GetByID(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Active {
		_, _ = s.records.RevokeAllBySubject(ctx, subjectID, domain.RevokeReasonDisabled)
		return nil, ErrAccountDisabled
	}
	revoked, err := s.records.Revoke(ctx, jti, domain.RevokeReasonRotated)
	if err != nil {
		return nil, err
	}
	if !revoked {
		// Lost the race against a concurrent redemption of the same jti.
		return nil, s.handleReuse(ctx, subjectID, jti)
	}
	return s.issuePair(ctx, user)
}

// Logout revokes the refresh record for the presented token. Best-effort:
// an invalid token is not an error, the client discards it regardless.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	subjectID, jti, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil
	}
	if _, err := s.records.Revoke(ctx, jti, domain.RevokeReasonLogout); err != nil {
		return err
	}
	s.logEvent(ctx, subjectID, "auth.logout", "")
	return nil
}

// ValidateSession checks a refresh token without rotating it, for the viewer
// hub's cookie authentication path: signature, live record, token hash, and
// subject-active status must all hold.
func (s *AuthService) ValidateSession(ctx context.Context, refreshToken string) (*Identity, error) {
	subjectID, jti, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	rec, err := s.records.GetByJTI(ctx, jti)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Revoked() || rec.Expired(time.Now().UTC()) {
		return nil, ErrInvalidRefreshToken
	}
	if rec.TokenHash != "" && !security.RefreshTokenHashEqual(refreshToken, rec.TokenHash) {
		return nil, ErrInvalidRefreshToken
	}
	user, err := s.users.GetByID(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Active {
		return nil, ErrAccountDisabled
	}
	return &Identity{SubjectID: user.ID, DisplayName: user.DisplayName, Role: user.Role}, nil
}

func (s *AuthService) handleReuse(ctx context.Context, subjectID, jti string) error {
	n, err := s.records.RevokeAllBySubject(ctx, subjectID, domain.RevokeReasonReuseDetected)
	if err != nil {
		log.Printf("auth: cascade revocation for subject %s failed: %v", subjectID, err)
	}
	s.logEvent(ctx, subjectID, "auth.refresh_reuse_detected", jti)
	log.Printf("auth: refresh reuse detected for subject %s (jti %s), revoked %d records", subjectID, jti, n)
	return ErrRefreshTokenReuse
}

func (s *AuthService) issuePair(ctx context.Context, user *userdomain.User) (*AuthResult, error) {
	accessToken, accessExp, err := s.tokens.IssueAccess(user.ID, user.DisplayName, string(user.Role))
	if err != nil {
		return nil, err
	}
	refreshToken, jti, refreshExp, err := s.tokens.IssueRefresh(user.ID)
	if err != nil {
		return nil, err
	}
	rec := &domain.RefreshRecord{
		ID:        jti,
		SubjectID: user.ID,
		TokenHash: security.HashRefreshToken(refreshToken),
		ExpiresAt: refreshExp,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, err
	}
	return &AuthResult{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		Identity:         Identity{SubjectID: user.ID, DisplayName: user.DisplayName, Role: user.Role},
	}, nil
}

func (s *AuthService) logEvent(ctx context.Context, subjectID, action, metadata string) {
	if s.auditor == nil {
		return
	}
	s.auditor.LogEvent(ctx, subjectID, action, "auth", metadata)
}
