// Package domain holds the plain data types shared across zn-vault-agent
// components. Nothing in this package talks to the network or the
// filesystem; it is pure data plus the small invariant-checking helpers
// that keep callers honest.
package domain

import "time"

// CertificateTarget is the local declaration of a certificate this agent
// keeps in sync. It is owned by the configuration layer; the Deployer (C4)
// mutates only the sync-state fields below via UpdateSyncState.
type CertificateTarget struct {
	Name          string
	RemoteID      string
	OutputPaths   map[string]string // component -> absolute path: combined|cert|key|chain|fullchain
	Mode          string            // octal string, e.g. "0644"
	Owner         string
	ReloadCommand string
	ReloadTimeout time.Duration
	HealthCheck   string

	LastFingerprint string
	LastVersion     int64
	LastSyncedAt    time.Time
}

// UpdateSyncState records a successful deploy. Version must be
// non-decreasing; callers that violate this have a bug, so it panics
// rather than silently corrupting tracking state.
func (t *CertificateTarget) UpdateSyncState(fingerprint string, version int64, at time.Time) {
	if version < t.LastVersion {
		panic("domain: certificate target version went backwards")
	}
	t.LastFingerprint = fingerprint
	t.LastVersion = version
	t.LastSyncedAt = at
}

// HasDeployed reports whether at least one successful deploy has occurred.
func (t *CertificateTarget) HasDeployed() bool {
	return t.LastFingerprint != ""
}

// OutputFormat enumerates the formats the Output Formatter (C3) supports.
type OutputFormat string

const (
	FormatEnv      OutputFormat = "env"
	FormatJSON     OutputFormat = "json"
	FormatYAML     OutputFormat = "yaml"
	FormatRaw      OutputFormat = "raw"
	FormatTemplate OutputFormat = "template"
	FormatNone     OutputFormat = "none"
)

// SecretTarget is the local declaration of a secret this agent keeps in
// sync. RemoteID is either a UUID or an "alias:path" reference.
type SecretTarget struct {
	RemoteID      string
	Name          string
	Format        OutputFormat
	Path          string
	EnvPrefix     string
	RawKey        string
	TemplatePath  string
	Mode          string
	Owner         string
	ReloadCommand string
	ReloadTimeout time.Duration

	LastVersion  int64
	LastSyncedAt time.Time
}

// UpdateSyncState records a successful deploy.
func (t *SecretTarget) UpdateSyncState(version int64, at time.Time) {
	if version < t.LastVersion {
		panic("domain: secret target version went backwards")
	}
	t.LastVersion = version
	t.LastSyncedAt = at
}

// Secret is the decrypted payload returned by the vault for a single
// secret. It is ephemeral: nothing in the agent persists it as such.
type Secret struct {
	ID      string
	Alias   string
	Type    string
	Version int64
	Data    map[string]any
}

// RotationMode enumerates how a managed API key is rotated server-side.
type RotationMode string

const (
	RotationScheduled RotationMode = "scheduled"
	RotationOnUse     RotationMode = "on-use"
	RotationOnBind    RotationMode = "on-bind"
)

// RotationTracking is the Managed-Key Controller's bookkeeping for a
// single bound key between refreshes.
type RotationTracking struct {
	LastWSEventAt        time.Time
	LastPollAt           time.Time
	ExpectedRotationAt   time.Time
	WSEventReceived      bool
	MissedRotationsCount int
}

// ManagedKeyState is the Managed-Key Controller's (C7) view of the
// agent's own bound credential. Exactly one instance is current at a
// time; CurrentKey is replaced only after the new value has been
// observed from a successful bind response.
type ManagedKeyState struct {
	CurrentKey       string
	NextRotationAt   time.Time
	GraceExpiresAt   time.Time
	RotationMode     RotationMode
	Tracking         RotationTracking
	StaleKeyDetected bool
}

// DBEngine enumerates the dynamic-credential database backends.
type DBEngine string

const (
	EnginePostgreSQL DBEngine = "POSTGRESQL"
	EngineMySQL      DBEngine = "MYSQL"
)

// RoleConfig is one named credential-generation role within a
// DynamicSecretsConfig.
type RoleConfig struct {
	RoleName          string
	UsernameTemplate  string
	CreateStatements  []string
	RenewStatements   []string
	RevokeStatements  []string
	DefaultTTL        time.Duration
	MaxTTL            time.Duration
}

// DynamicSecretsConfig is a per-connection dynamic-credentials
// configuration pushed by the vault. It is owned entirely by the
// Dynamic-Credential Agent (C8) in process memory; it never touches
// disk.
type DynamicSecretsConfig struct {
	ConnectionID  string
	Engine        DBEngine
	DSN           string
	MaxPoolSize   int
	ConfigVersion int64
	Roles         map[string]RoleConfig
}

// EncryptedConfigEnvelope is the only form in which a DB connection
// string enters the agent's address space. Ciphertext is AEAD-sealed
// under a symmetric key, itself wrapped for the agent's long-term key.
type EncryptedConfigEnvelope struct {
	Ciphertext   []byte
	Nonce        []byte
	AuthTag      []byte
	WrappedKey   []byte
}

// Lease is an issued dynamic credential, tracked so renew/revoke
// requests can be matched back to their generating connection and role.
type Lease struct {
	LeaseID      string
	ConnectionID string
	RoleName     string
	Username     string
	ExpiresAt    time.Time
}
