package vaultclient

import "time"

// LoginResponse is returned by POST /auth/login.
type LoginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"` // seconds
	User         string `json:"user"`
}

// CertificateMetadata is the list/get representation of a certificate.
type CertificateMetadata struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CertificateMaterial is returned by the decrypt endpoint.
type CertificateMaterial struct {
	PEMBundle string `json:"pemBundle"`
	Version   int64  `json:"version"`
}

// SecretMetadata is the list/meta representation of a secret.
type SecretMetadata struct {
	ID      string `json:"id"`
	Alias   string `json:"alias"`
	Type    string `json:"type"`
	Version int64  `json:"version"`
}

// secretListEnvelope normalizes the vault's bare-array list response into
// {items,total} per spec §6.
type secretListEnvelope struct {
	Items []SecretMetadata `json:"items"`
	Total int              `json:"total"`
}

// SecretData is returned by the secret decrypt endpoint.
type SecretData struct {
	ID      string         `json:"id"`
	Version int64          `json:"version"`
	Type    string         `json:"type"`
	Data    map[string]any `json:"data"`
}

// BindManagedKeyResponse is returned by the managed-key bind endpoint.
type BindManagedKeyResponse struct {
	Key            string    `json:"key"`
	NextRotationAt time.Time `json:"nextRotationAt"`
	GraceExpiresAt time.Time `json:"graceExpiresAt"`
	RotationMode   string    `json:"rotationMode"`
}

// AckDeliveryRequest is the best-effort delivery acknowledgement body.
type AckDeliveryRequest struct {
	Hostname  string    `json:"hostname"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}
