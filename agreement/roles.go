package agreement

// Role is the relation a caller must hold to an agreement or to the ledger
// for an operation to be allowed.
type Role string

const (
	RolePayer  Role = "payer"
	RoleTarget Role = "target"
	RoleAdmin  Role = "admin"
)
