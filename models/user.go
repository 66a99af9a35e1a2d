package models

// SenderRole values used by the marketplace.
const (
	RoleCustomer = "customer"
	RoleProvider = "provider"
)

// SenderRef is the nested sender object some payloads carry.
type SenderRef struct {
	ID   string `json:"_id,omitempty"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Participant is an authenticated socket or REST caller.
type Participant struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Role string `json:"role" yaml:"role"`
}

// ToSenderRef converts a Participant into the reference embedded in messages.
func (p Participant) ToSenderRef() *SenderRef {
	return &SenderRef{
		ID:   p.ID,
		Name: p.Name,
		Role: p.Role,
	}
}
