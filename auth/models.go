package auth

import "time"

// Role is the API-level role of a principal. It is independent of the
// ledger roles (payer, target, admin), which depend on the agreement.
type Role string

const (
	RoleMember   Role = "member"
	RoleOperator Role = "operator"
)

// Principal is an account that can call the ledger. ID doubles as the
// account name used for payer, target and owner fields.
type Principal struct {
	ID           string
	PasswordHash string
	Role         Role
	// ActsFor lists other accounts this principal may act for in any role.
	ActsFor   []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}
