package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionRegister       = "REGISTER"
	AuditActionActivate       = "ACTIVATE"
	AuditActionLogin          = "LOGIN"
	AuditActionLoginFailed    = "LOGIN_FAILED"
	AuditActionRefresh        = "TOKEN_REFRESH"
	AuditActionLogout         = "LOGOUT"
	AuditActionPasswordChange = "PASSWORD_CHANGE"
	AuditActionPasswordForgot = "PASSWORD_FORGOT"
	AuditActionPasswordReset  = "PASSWORD_RESET"
)

// AuditResource names the resources audit entries refer to.
const (
	AuditResourceUser    = "user"
	AuditResourceSession = "session"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ActivityEntry is the public projection of an audit entry.
type ActivityEntry struct {
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
}

// NewActivityEntry drops the raw value snapshots from an audit entry.
func NewActivityEntry(l AuditLog) ActivityEntry {
	return ActivityEntry{Action: l.Action, Resource: l.Resource, IPAddress: l.IPAddress, UserAgent: l.UserAgent, CreatedAt: l.CreatedAt}
}
