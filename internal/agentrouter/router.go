// Package agentrouter decodes the "dynamic-secrets" and "key-rotations"
// event topics carried over the Event Channel (C5) into the typed
// requests the Dynamic-Credential Agent (C8) and Managed-Key Controller
// (C7) expect, and encodes their replies back onto the wire. Neither C7
// nor C8 know about JSON or the event channel; this package is the
// translation boundary between them, grounded on the same
// dispatch-by-type-field idiom eventchannel.Client itself uses to tell
// registered/subscribed/pong/event/error messages apart.
package agentrouter

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/zncore/vault-agent/internal/dynamiccreds"
)

// Sender delivers a reply frame back over the event channel. It is
// satisfied by *eventchannel.Client; kept as a narrow interface here so
// this package doesn't need to import eventchannel at all.
type Sender interface {
	Send(msgType string, payload any) error
}

// KeyRotationHandler is the subset of keycontrol.Controller the router
// calls for a key.rotated event.
type KeyRotationHandler interface {
	HandleRotationEvent(ctx context.Context, keyName string)
}

// Router dispatches event-channel topics to C7/C8 and routes their
// replies back out.
type Router struct {
	dyn    *dynamiccreds.Agent
	keys   KeyRotationHandler
	send   Sender
	logger *slog.Logger
}

// New constructs a Router. keys may be nil when the agent isn't running
// in managed-key mode; key-rotation events are then silently ignored.
func New(dyn *dynamiccreds.Agent, keys KeyRotationHandler, send Sender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{dyn: dyn, keys: keys, send: send, logger: logger.With("component", "agent_router")}
}

// HandleEvent routes one "event" message's topic/data pair. Topics the
// router doesn't own (certificates, secrets, updates) are ignored; the
// Sync Engine subscribes to those directly.
func (r *Router) HandleEvent(ctx context.Context, topic string, data json.RawMessage) {
	switch topic {
	case "dynamic-secrets":
		r.handleDynamicSecrets(ctx, data)
	case "key-rotations":
		r.handleKeyRotation(ctx, data)
	}
}

type typeEnvelope struct {
	Type string `json:"type"`
}

func (r *Router) handleDynamicSecrets(ctx context.Context, data json.RawMessage) {
	var env typeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("dynamic-secrets: undecodable envelope", "error", err)
		return
	}

	switch env.Type {
	case "config-push":
		r.handleConfigPush(data)
	case "config-revoke":
		r.handleConfigRevoke(data)
	case "generate":
		r.handleGenerate(ctx, data)
	case "revoke":
		r.handleRevoke(ctx, data)
	case "renew":
		r.handleRenew(ctx, data)
	default:
		r.logger.Debug("dynamic-secrets: unrecognized message type", "type", env.Type)
	}
}

func (r *Router) handleKeyRotation(ctx context.Context, data json.RawMessage) {
	if r.keys == nil {
		return
	}
	var env struct {
		Type    string `json:"type"`
		KeyName string `json:"keyName"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("key-rotations: undecodable envelope", "error", err)
		return
	}
	if env.Type != "key.rotated" {
		return
	}
	r.keys.HandleRotationEvent(ctx, env.KeyName)
}

// envelopeWire is the wire shape of an EncryptedConfigEnvelope.
type envelopeWire struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	AuthTag    []byte `json:"authTag"`
	WrappedKey []byte `json:"wrappedKey"`
}

type configPushWire struct {
	ConnectionID    string       `json:"connectionId"`
	ConfigVersion   int64        `json:"configVersion"`
	EncryptedConfig envelopeWire `json:"encryptedConfig"`
	RoleIDs         []string     `json:"roleIds"`
}

type configAckWire struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	Status       string `json:"status"`
}

func (r *Router) handleConfigPush(data json.RawMessage) {
	var wire configPushWire
	if err := json.Unmarshal(data, &wire); err != nil {
		r.logger.Warn("config-push: undecodable payload", "error", err)
		return
	}

	ack := r.dyn.HandleConfigPush(dynamiccreds.ConfigPush{
		ConnectionID:  wire.ConnectionID,
		ConfigVersion: wire.ConfigVersion,
		EncryptedConfig: dynamiccreds.EncryptedConfigEnvelope{
			Ciphertext: wire.EncryptedConfig.Ciphertext,
			Nonce:      wire.EncryptedConfig.Nonce,
			AuthTag:    wire.EncryptedConfig.AuthTag,
			WrappedKey: wire.EncryptedConfig.WrappedKey,
		},
		RoleIDs: wire.RoleIDs,
	})

	r.reply("config-ack", configAckWire{Type: "config-ack", ConnectionID: ack.ConnectionID, Status: ack.Status})
}

type configRevokeWire struct {
	ConnectionID string `json:"connectionId"`
}

func (r *Router) handleConfigRevoke(data json.RawMessage) {
	var wire configRevokeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		r.logger.Warn("config-revoke: undecodable payload", "error", err)
		return
	}
	r.dyn.HandleConfigRevoke(dynamiccreds.ConfigRevoke{ConnectionID: wire.ConnectionID})
}

type generateWire struct {
	RequestID        string    `json:"requestId"`
	ConnectionID     string    `json:"connectionId"`
	RoleID           string    `json:"roleId"`
	TTLSeconds       int64     `json:"ttl"`
	ExpiresAt        time.Time `json:"expiresAt"`
	UsernameTemplate string    `json:"usernameTemplate"`
	VaultPublicKey   []byte    `json:"vaultPublicKey"`
}

type generatedWire struct {
	Type              string    `json:"type"`
	RequestID         string    `json:"requestId"`
	LeaseID           string    `json:"leaseId"`
	Username          string    `json:"username"`
	EncryptedPassword []byte    `json:"encryptedPassword"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

func (r *Router) handleGenerate(ctx context.Context, data json.RawMessage) {
	var wire generateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		r.logger.Warn("generate: undecodable payload", "error", err)
		return
	}

	reply, errReply, err := r.dyn.HandleGenerate(ctx, dynamiccreds.GenerateRequest{
		RequestID:        wire.RequestID,
		ConnectionID:     wire.ConnectionID,
		RoleID:           wire.RoleID,
		TTL:              time.Duration(wire.TTLSeconds) * time.Second,
		ExpiresAt:        wire.ExpiresAt,
		UsernameTemplate: wire.UsernameTemplate,
		VaultPublicKey:   wire.VaultPublicKey,
	})
	if err != nil {
		r.replyError(errReply)
		return
	}

	r.reply("generated", generatedWire{
		Type:              "generated",
		RequestID:         reply.RequestID,
		LeaseID:           reply.LeaseID,
		Username:          reply.Username,
		EncryptedPassword: reply.EncryptedPassword,
		ExpiresAt:         reply.ExpiresAt,
	})
}

type revokeWire struct {
	RequestID string `json:"requestId"`
	LeaseID   string `json:"leaseId"`
	Username  string `json:"username"`
}

type revokedWire struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	LeaseID   string `json:"leaseId"`
}

func (r *Router) handleRevoke(ctx context.Context, data json.RawMessage) {
	var wire revokeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		r.logger.Warn("revoke: undecodable payload", "error", err)
		return
	}

	reply, errReply, err := r.dyn.HandleRevoke(ctx, dynamiccreds.RevokeRequest{
		RequestID: wire.RequestID,
		LeaseID:   wire.LeaseID,
		Username:  wire.Username,
	})
	if err != nil {
		r.replyError(errReply)
		return
	}

	r.reply("revoked", revokedWire{Type: "revoked", RequestID: reply.RequestID, LeaseID: reply.LeaseID})
}

type renewWire struct {
	RequestID    string    `json:"requestId"`
	LeaseID      string    `json:"leaseId"`
	Username     string    `json:"username"`
	NewExpiresAt time.Time `json:"newExpiresAt"`
}

type renewedWire struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	LeaseID   string    `json:"leaseId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (r *Router) handleRenew(ctx context.Context, data json.RawMessage) {
	var wire renewWire
	if err := json.Unmarshal(data, &wire); err != nil {
		r.logger.Warn("renew: undecodable payload", "error", err)
		return
	}

	reply, errReply, err := r.dyn.HandleRenew(ctx, dynamiccreds.RenewRequest{
		RequestID:    wire.RequestID,
		LeaseID:      wire.LeaseID,
		Username:     wire.Username,
		NewExpiresAt: wire.NewExpiresAt,
	})
	if err != nil {
		r.replyError(errReply)
		return
	}

	r.reply("renewed", renewedWire{Type: "renewed", RequestID: reply.RequestID, LeaseID: reply.LeaseID, ExpiresAt: reply.ExpiresAt})
}

type errorWire struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (r *Router) replyError(e dynamiccreds.ErrorReply) {
	r.reply("dynamic-secrets.error", errorWire{Type: "dynamic-secrets.error", RequestID: e.RequestID, Code: e.Code, Message: e.Message})
}

func (r *Router) reply(msgType string, payload any) {
	if err := r.send.Send(msgType, payload); err != nil {
		r.logger.Warn("failed to send reply", "type", msgType, "error", err)
	}
}
