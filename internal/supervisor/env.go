package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/zncore/vault-agent/internal/vaultclient"
)

// VaultClient is the subset of internal/vaultclient.Client the supervisor
// needs to resolve secret mappings into environment values.
type VaultClient interface {
	GetSecret(ctx context.Context, token, idOrAlias string) (*vaultclient.SecretData, error)
	BindManagedAPIKey(ctx context.Context, token, name string) (*vaultclient.BindManagedKeyResponse, error)
}

// sensitiveNameParts are matched case-insensitively against an env var
// name to decide whether its value must go to a secrets-fs file instead
// of the process environment, per spec §4.9.
var sensitiveNameParts = []string{"password", "secret", "apikey", "api_key", "token", "credential"}

func isSensitiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, part := range sensitiveNameParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// envBuilder resolves a supervisor's configured env mappings into
// concrete values, caching api-key binds by name within one build so a
// mapping repeated across several env vars only binds once.
type envBuilder struct {
	vault VaultClient
	token string

	mu          sync.Mutex
	apiKeyCache map[string]string
}

func newEnvBuilder(vault VaultClient, token string) *envBuilder {
	return &envBuilder{vault: vault, token: token, apiKeyCache: make(map[string]string)}
}

// resolve expands every configured NAME -> mapping pair into its literal
// string value. Mapping syntaxes, per spec §4.9:
//
//	literal:VALUE        constant
//	api-key:NAME          bind (cached by name) and use the returned key
//	alias:path[.key]      fetch the secret and project key, or stringify
//	                      the whole data map if key is omitted
//	uuid:id[.key]         same as alias, addressed by secret ID
func (b *envBuilder) resolve(ctx context.Context, mappings map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(mappings))
	for name, mapping := range mappings {
		value, err := b.resolveOne(ctx, mapping)
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve env %q: %w", name, err)
		}
		resolved[name] = value
	}
	return resolved, nil
}

func (b *envBuilder) resolveOne(ctx context.Context, mapping string) (string, error) {
	prefix, rest, ok := strings.Cut(mapping, ":")
	if !ok {
		return "", fmt.Errorf("malformed mapping %q: expected prefix:value", mapping)
	}

	switch prefix {
	case "literal":
		return rest, nil
	case "api-key":
		return b.resolveAPIKey(ctx, rest)
	case "alias":
		return b.resolveSecret(ctx, "alias:", rest)
	case "uuid":
		return b.resolveSecret(ctx, "", rest)
	default:
		return "", fmt.Errorf("unknown mapping prefix %q", prefix)
	}
}

func (b *envBuilder) resolveAPIKey(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	if cached, ok := b.apiKeyCache[name]; ok {
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	resp, err := b.vault.BindManagedAPIKey(ctx, b.token, name)
	if err != nil {
		return "", fmt.Errorf("bind api-key %q: %w", name, err)
	}

	b.mu.Lock()
	b.apiKeyCache[name] = resp.Key
	b.mu.Unlock()
	return resp.Key, nil
}

func (b *envBuilder) resolveSecret(ctx context.Context, addrPrefix, rest string) (string, error) {
	idOrAlias, key, hasKey := strings.Cut(rest, ".")

	secret, err := b.vault.GetSecret(ctx, b.token, addrPrefix+idOrAlias)
	if err != nil {
		return "", fmt.Errorf("fetch secret %q: %w", idOrAlias, err)
	}

	if !hasKey {
		encoded, err := json.Marshal(secret.Data)
		if err != nil {
			return "", fmt.Errorf("stringify secret %q: %w", idOrAlias, err)
		}
		return string(encoded), nil
	}

	value, ok := secret.Data[key]
	if !ok {
		return "", fmt.Errorf("secret %q has no key %q", idOrAlias, key)
	}
	return fmt.Sprintf("%v", value), nil
}
