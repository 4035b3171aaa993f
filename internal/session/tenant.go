package session

import "errors"

// MaxTenantIDLen bounds tenant ids, which double as directory names.
const MaxTenantIDLen = 64

var ErrInvalidTenant = errors.New("tenant id may only contain letters, digits, '-' and '_'")

// ValidTenantID reports whether id can be used verbatim as a tenant key and
// as a directory name. Ids are never rewritten, so two distinct valid ids
// always map to two distinct directories.
func ValidTenantID(id string) bool {
	if id == "" || len(id) > MaxTenantIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		switch c := id[i]; {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
