package dynamiccreds

import "time"

// ConfigPush is the config-push message: a new or updated per-connection
// dynamic-secrets configuration, delivered encrypted.
type ConfigPush struct {
	ConnectionID    string
	ConfigVersion   int64
	EncryptedConfig EncryptedConfigEnvelope
	RoleIDs         []string
}

// ConfigRevoke removes a connection's configuration and closes its pool.
type ConfigRevoke struct {
	ConnectionID string
}

// GenerateRequest asks for a new lease against a role.
type GenerateRequest struct {
	RequestID        string
	ConnectionID     string
	RoleID           string
	TTL              time.Duration
	ExpiresAt        time.Time
	UsernameTemplate string
	VaultPublicKey   []byte
}

// RevokeRequest revokes an existing lease.
type RevokeRequest struct {
	RequestID string
	LeaseID   string
	Username  string
}

// RenewRequest extends an existing lease.
type RenewRequest struct {
	RequestID    string
	LeaseID      string
	Username     string
	NewExpiresAt time.Time
}

// ConfigAckStatus values.
const (
	ConfigAckLoaded = "loaded"
	ConfigAckFailed = "failed"
)

// ConfigAck replies to a config-push.
type ConfigAck struct {
	ConnectionID string
	Status       string
}

// GeneratedReply replies to a generate request.
type GeneratedReply struct {
	RequestID         string
	LeaseID           string
	Username          string
	EncryptedPassword []byte
	ExpiresAt         time.Time
}

// RevokedReply replies to a revoke request.
type RevokedReply struct {
	RequestID string
	LeaseID   string
}

// RenewedReply replies to a renew request.
type RenewedReply struct {
	RequestID string
	LeaseID   string
	ExpiresAt time.Time
}

// ErrorReply is the error{code} reply shape.
type ErrorReply struct {
	RequestID string
	Code      string
	Message   string
}
