// Package auth carries the identity of whoever triggered an audited
// operation. Token issuance and validation live outside this module; the
// audit core only consumes an already-resolved Principal.
package auth

// Principal is the interface for any entity making a request (user, service account, system job).
type Principal interface {
	GetID() string
	GetEmail() string
	GetTenantID() string
	GetTenantName() string
}

// User is the concrete Principal handed over by the web layer.
// It is serializable so post-commit audit tasks can carry it.
type User struct {
	ID         string   `json:"id"`
	Email      string   `json:"email"`
	TenantID   string   `json:"tenant_id"`
	TenantName string   `json:"tenant_name,omitempty"`
	Roles      []string `json:"roles,omitempty"`
}

func (u *User) GetID() string {
	return u.ID
}

func (u *User) GetEmail() string {
	return u.Email
}

func (u *User) GetTenantID() string {
	return u.TenantID
}

func (u *User) GetTenantName() string {
	return u.TenantName
}

// FromPrincipal copies any Principal into a User. Nil in, nil out; that
// includes a typed-nil implementation whose getters panic.
func FromPrincipal(p Principal) (u *User) {
	if p == nil {
		return nil
	}
	if pu, ok := p.(*User); ok {
		if pu == nil {
			return nil
		}
		clone := *pu
		return &clone
	}
	defer func() {
		if recover() != nil {
			u = nil
		}
	}()
	return &User{
		ID:         p.GetID(),
		Email:      p.GetEmail(),
		TenantID:   p.GetTenantID(),
		TenantName: p.GetTenantName(),
	}
}
