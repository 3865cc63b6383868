package dynamiccreds

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zncore/vault-agent/internal/domain"
)

// roleConfigWire and configWire are the JSON shapes carried inside a
// decrypted config-push envelope. They exist only at the wire boundary;
// everything past parseConfig deals in domain.DynamicSecretsConfig.
type roleConfigWire struct {
	RoleName         string   `json:"roleName"`
	UsernameTemplate string   `json:"usernameTemplate"`
	CreateStatements []string `json:"createStatements"`
	RenewStatements  []string `json:"renewStatements"`
	RevokeStatements []string `json:"revokeStatements"`
	DefaultTTLSecs   int64    `json:"defaultTtlSeconds"`
	MaxTTLSecs       int64    `json:"maxTtlSeconds"`
}

type configWire struct {
	Engine      string                    `json:"engine"`
	DSN         string                    `json:"dsn"`
	MaxPoolSize int                       `json:"maxPoolSize"`
	Roles       map[string]roleConfigWire `json:"roles"`
}

func parseConfig(connectionID string, version int64, plaintext []byte) (domain.DynamicSecretsConfig, error) {
	var wire configWire
	if err := json.Unmarshal(plaintext, &wire); err != nil {
		return domain.DynamicSecretsConfig{}, fmt.Errorf("dynamiccreds: parse config: %w", err)
	}

	var engine domain.DBEngine
	switch wire.Engine {
	case string(domain.EnginePostgreSQL):
		engine = domain.EnginePostgreSQL
	case string(domain.EngineMySQL):
		engine = domain.EngineMySQL
	default:
		return domain.DynamicSecretsConfig{}, fmt.Errorf("%w: %q", ErrUnsupportedEngine, wire.Engine)
	}

	roles := make(map[string]domain.RoleConfig, len(wire.Roles))
	for name, r := range wire.Roles {
		roles[name] = domain.RoleConfig{
			RoleName:         r.RoleName,
			UsernameTemplate: r.UsernameTemplate,
			CreateStatements: r.CreateStatements,
			RenewStatements:  r.RenewStatements,
			RevokeStatements: r.RevokeStatements,
			DefaultTTL:       time.Duration(r.DefaultTTLSecs) * time.Second,
			MaxTTL:           time.Duration(r.MaxTTLSecs) * time.Second,
		}
	}

	return domain.DynamicSecretsConfig{
		ConnectionID:  connectionID,
		Engine:        engine,
		DSN:           wire.DSN,
		MaxPoolSize:   wire.MaxPoolSize,
		ConfigVersion: version,
		Roles:         roles,
	}, nil
}
