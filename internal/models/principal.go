package models

type Role string

const (
	RoleStaff   Role = "staff"
	RoleRegular Role = "regular"
)

// Principal is the authenticated caller, handed to every manager operation.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        Role   `json:"role"`
}

func (p Principal) IsStaff() bool {
	return p.Role == RoleStaff
}
