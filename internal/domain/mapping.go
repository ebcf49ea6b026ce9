package domain

// Role is a logical audit field that can be mapped to a raw record key.
type Role string

const (
	RoleUniqueID      Role = "uniqueId"
	RoleMonetaryValue Role = "monetaryValue"
	RoleCategory      Role = "category"
	RoleSubcategory   Role = "subcategory"
	RoleVendor        Role = "vendor"
	RoleDate          Role = "date"
	RoleUser          Role = "user"
	RoleSequentialID  Role = "sequentialId"
)

// ColumnMapping tells the engine which raw field holds each logical role.
// Absent roles are empty strings, never an error.
type ColumnMapping struct {
	UniqueID      string `json:"uniqueId,omitempty" yaml:"uniqueId"`
	MonetaryValue string `json:"monetaryValue,omitempty" yaml:"monetaryValue"`
	Category      string `json:"category,omitempty" yaml:"category"`
	Subcategory   string `json:"subcategory,omitempty" yaml:"subcategory"`
	Vendor        string `json:"vendor,omitempty" yaml:"vendor"`
	Date          string `json:"date,omitempty" yaml:"date"`
	User          string `json:"user,omitempty" yaml:"user"`
	SequentialID  string `json:"sequentialId,omitempty" yaml:"sequentialId"`
}

// Field returns the raw field name mapped to a role.
func (m ColumnMapping) Field(role Role) string {
	switch role {
	case RoleUniqueID:
		return m.UniqueID
	case RoleMonetaryValue:
		return m.MonetaryValue
	case RoleCategory:
		return m.Category
	case RoleSubcategory:
		return m.Subcategory
	case RoleVendor:
		return m.Vendor
	case RoleDate:
		return m.Date
	case RoleUser:
		return m.User
	case RoleSequentialID:
		return m.SequentialID
	}
	return ""
}

// Has reports whether every given role is mapped.
func (m ColumnMapping) Has(roles ...Role) bool {
	for _, role := range roles {
		if m.Field(role) == "" {
			return false
		}
	}
	return true
}

// MappingFromMap builds a ColumnMapping from a flat role -> field map.
// Unknown roles are ignored.
func MappingFromMap(in map[string]string) ColumnMapping {
	return ColumnMapping{
		UniqueID:      in[string(RoleUniqueID)],
		MonetaryValue: in[string(RoleMonetaryValue)],
		Category:      in[string(RoleCategory)],
		Subcategory:   in[string(RoleSubcategory)],
		Vendor:        in[string(RoleVendor)],
		Date:          in[string(RoleDate)],
		User:          in[string(RoleUser)],
		SequentialID:  in[string(RoleSequentialID)],
	}
}
