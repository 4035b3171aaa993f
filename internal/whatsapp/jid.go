package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"

	"github.com/whatsapp-automation/bridge/internal/session"
)

func sanitizePhone(phone string) string {
	// Keep digits only; a leading + or an @server suffix is dropped.
	if at := strings.IndexByte(phone, '@'); at >= 0 {
		phone = phone[:at]
	}
	result := strings.Builder{}
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func parseJID(phone string) (types.JID, error) {
	phone = sanitizePhone(phone)
	if phone == "" {
		return types.JID{}, fmt.Errorf("empty phone number")
	}

	return types.NewJID(phone, types.DefaultUserServer), nil
}

// storeDirName returns the tenant's auth store directory name, or "" when
// the id cannot be used as one.
func storeDirName(tenantID string) string {
	if !session.ValidTenantID(tenantID) {
		return ""
	}
	return tenantID
}
