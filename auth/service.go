package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals a wrong id or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
)

const tokenTTL = 24 * time.Hour

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
}

// LoginResult bundles the token and principal returned after a successful login.
type LoginResult struct {
	Token     string
	Principal Principal
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// Register creates a new principal.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Principal, error) {
	if len(req.Password) < 8 {
		return Principal{}, ErrWeakPassword
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return Principal{}, fmt.Errorf("auth: id is required")
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleMember
	}
	if !isValidRole(role) {
		return Principal{}, fmt.Errorf("auth: invalid role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: hash password: %w", err)
	}

	return s.repo.CreatePrincipal(ctx, CreatePrincipalParams{
		ID:           id,
		PasswordHash: string(hash),
		Role:         role,
	})
}

// Login authenticates a principal and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	p, err := s.repo.GetPrincipal(ctx, req.ID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.IssueToken(p.ID, p.Role)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, Principal: p}, nil
}

// Grant lets id act for account on the ledger.
func (s *Service) Grant(ctx context.Context, id, account string) error {
	if strings.TrimSpace(account) == "" {
		return fmt.Errorf("auth: account is required")
	}
	return s.repo.GrantActsFor(ctx, id, account)
}

// IssueToken signs a token for principal id with role. Service accounts such
// as the payroll scheduler use it directly.
func (s *Service) IssueToken(id string, role Role) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": id,
		"role":    string(role),
		"exp":     now.Add(tokenTTL).Unix(),
		"iat":     now.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// VerifyToken validates a JWT token and returns the principal id and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("auth: invalid token")
	}
	id, ok := claims["user_id"].(string)
	if !ok || id == "" {
		return "", "", fmt.Errorf("auth: invalid user_id in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", fmt.Errorf("auth: invalid role in token")
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return "", "", fmt.Errorf("auth: invalid role %q in token", roleStr)
	}
	return id, role, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleMember, RoleOperator:
		return true
	default:
		return false
	}
}
