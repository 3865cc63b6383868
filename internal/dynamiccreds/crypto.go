package dynamiccreds

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/zncore/vault-agent/internal/domain"
)

// EncryptedConfigEnvelope is the wire shape of an encrypted config-push
// payload, mirroring domain.EncryptedConfigEnvelope.
type EncryptedConfigEnvelope = domain.EncryptedConfigEnvelope

// KeyPair is the agent's long-term NaCl box key pair. Its public half is
// published to the vault out of band; its private half never leaves the
// agent's address space. Used to unwrap the per-message symmetric key
// sealed into every config-push envelope's WrappedKey field.
type KeyPair struct {
	Public  *[32]byte
	Private *[32]byte
}

// GenerateKeyPair creates a fresh agent identity key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("dynamiccreds: generate key pair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// decryptEnvelope unwraps env.WrappedKey (a NaCl anonymous sealed box
// addressed to keys.Public) to recover the per-message symmetric key,
// then uses it to open the ChaCha20-Poly1305-sealed config payload.
func decryptEnvelope(keys *KeyPair, env EncryptedConfigEnvelope) ([]byte, error) {
	messageKey, ok := box.OpenAnonymous(nil, env.WrappedKey, keys.Public, keys.Private)
	if !ok {
		return nil, fmt.Errorf("%w: unwrap message key", ErrDecryptionFailed)
	}
	if len(messageKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: unexpected message key size", ErrDecryptionFailed)
	}

	aead, err := chacha20poly1305.New(messageKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)

	plaintext, err := aead.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// encryptForVault seals plaintext (a generated password) anonymously
// under the vault's public key, so only the vault can recover it.
func encryptForVault(vaultPublicKey []byte, plaintext []byte) ([]byte, error) {
	if len(vaultPublicKey) != 32 {
		return nil, fmt.Errorf("dynamiccreds: vault public key must be 32 bytes, got %d", len(vaultPublicKey))
	}
	var pub [32]byte
	copy(pub[:], vaultPublicKey)
	return box.SealAnonymous(nil, plaintext, &pub, rand.Reader)
}
