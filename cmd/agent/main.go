// Package main is the entry point for zn-vault-agent.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/zncore/vault-agent/internal/agentrouter"
	"github.com/zncore/vault-agent/internal/atomicwriter"
	"github.com/zncore/vault-agent/internal/config"
	"github.com/zncore/vault-agent/internal/deployer"
	"github.com/zncore/vault-agent/internal/domain"
	"github.com/zncore/vault-agent/internal/dynamiccreds"
	"github.com/zncore/vault-agent/internal/eventchannel"
	"github.com/zncore/vault-agent/internal/eventsink"
	"github.com/zncore/vault-agent/internal/health"
	"github.com/zncore/vault-agent/internal/keycontrol"
	"github.com/zncore/vault-agent/internal/supervisor"
	"github.com/zncore/vault-agent/internal/syncengine"
	"github.com/zncore/vault-agent/internal/vaultclient"
	"github.com/zncore/vault-agent/pkg/logger"
	"github.com/zncore/vault-agent/pkg/metrics"
)

const (
	serviceName    = "zn-vault-agent"
	serviceVersion = "0.1.0"
)

func main() {
	configPath := flag.String("config", "", "Path to the agent configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}
	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config(cfg.Log))
	slog.SetDefault(log)
	log.Info("starting zn-vault-agent", "service", serviceName, "version", serviceVersion)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	metricsReg := metrics.DefaultRegistry()

	vault := vaultclient.New(vaultclient.Config{
		BaseURL:  cfg.VaultURL,
		Insecure: cfg.Insecure,
		Username: cfg.Auth.Username,
		Password: cfg.Auth.Password,
		APIKey:   cfg.Auth.APIKey,
	}, log, metricsReg.VaultClient())

	writer := atomicwriter.New(os.Geteuid() == 0)
	emitter := eventsink.New(log)
	dep := deployer.New(vault, writer, emitter, hostname, log, metricsReg.Deployer())

	certTargets := cfg.CertificateTargets()
	secretTargets := cfg.SecretTargetList()

	var managedKey *keycontrol.Controller
	if cfg.IsManagedKeyMode() {
		managedKey = keycontrol.New(cfg.Managed.Name, managedKeyBinder{vault}, log, metricsReg.ManagedKey())
	}

	currentToken := func() string {
		if managedKey != nil {
			return managedKey.CurrentKey()
		}
		return ""
	}

	engine := syncengine.New(syncengine.Targets{Certificates: certTargets, Secrets: secretTargets},
		func(ctx context.Context, target *domain.CertificateTarget, force bool) {
			dep.DeployCertificate(ctx, target, currentToken(), force)
		},
		func(ctx context.Context, target *domain.SecretTarget, force bool) {
			dep.DeploySecret(ctx, target, currentToken(), force)
		},
		cfg.PollInterval, log)

	certIDs := make([]string, len(certTargets))
	for i, t := range certTargets {
		certIDs[i] = t.RemoteID
	}
	secretIDs := make([]string, len(secretTargets))
	for i, t := range secretTargets {
		secretIDs[i] = t.RemoteID
	}

	wsClient := eventchannel.New(eventchannel.Config{
		WSURL:         deriveWSURL(cfg.VaultURL),
		APIKey:        cfg.Auth.APIKey,
		Hostname:      hostname,
		Version:       serviceVersion,
		Platform:      runtime.GOOS,
		CertIDs:       certIDs,
		SecretIDs:     secretIDs,
		UpdateChannel: "stable",
	}, log, metricsReg.EventChannel())

	keyPair, err := dynamiccreds.GenerateKeyPair()
	if err != nil {
		log.Error("failed to generate dynamic-credentials key pair", "error", err)
		os.Exit(1)
	}
	dynAgent := dynamiccreds.NewAgent(keyPair, 0, log, metricsReg.DynamicCreds())

	var keyRotationHandler agentrouter.KeyRotationHandler
	if managedKey != nil {
		keyRotationHandler = managedKey
	}
	router := agentrouter.New(dynAgent, keyRotationHandler, wsClient, log)

	var sup *supervisor.Supervisor
	if cfg.Supervisor.Enabled {
		sup, err = supervisor.New(supervisor.Config{
			Command:     cfg.Supervisor.Command,
			Args:        cfg.Supervisor.Args,
			Env:         cfg.Supervisor.Env,
			MaxRestarts: cfg.Supervisor.MaxRestarts,
			SecretsDir:  cfg.Secrets.Dir,
		}, vault, currentToken(), log, metricsReg.Supervisor(), emitter)
		if err != nil {
			log.Error("failed to construct supervisor", "error", err)
			os.Exit(1)
		}
	}

	wsClient.OnEvent = func(topic string, data json.RawMessage) {
		ctx := context.Background()
		switch topic {
		case eventchannel.TopicCertificates:
			var d struct {
				CertID string `json:"certId"`
			}
			if err := json.Unmarshal(data, &d); err == nil && d.CertID != "" {
				engine.HandleCertificateEvent(ctx, d.CertID)
			}
		case eventchannel.TopicSecrets:
			var d struct {
				SecretID string `json:"secretId"`
			}
			if err := json.Unmarshal(data, &d); err == nil && d.SecretID != "" {
				engine.HandleSecretEvent(ctx, d.SecretID)
			}
		case eventchannel.TopicUpdates:
			log.Debug("updates event received", "data", string(data))
		default:
			router.HandleEvent(ctx, topic, data)
		}
	}
	if managedKey != nil {
		wsClient.OnReconnected = func() { managedKey.OnReconnected(context.Background()) }
		wsClient.OnAuthFailure = func() { managedKey.OnAuthFailure(context.Background()) }
		managedKey.OnKeyChanged = func(newKey string) {
			wsClient.SetAPIKey(newKey)
			wsClient.ForceReconnect()
			if sup != nil {
				sup.SetToken(newKey)
			}
		}
	}

	healthSrv := health.New(serviceVersion, log)
	healthSrv.RegisterChecker("vault", func() (bool, string) {
		if vault.Reachable() {
			return true, ""
		}
		return false, "vault unreachable"
	})
	healthSrv.RegisterChecker("event_channel", func() (bool, string) {
		if wsClient.Connected() {
			return true, ""
		}
		return false, "event channel disconnected"
	})
	if managedKey != nil {
		healthSrv.RegisterChecker("managed_key", func() (bool, string) {
			if managedKey.StaleKeyDetected() {
				return false, "managed key is stale; manual rebind required"
			}
			return true, ""
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if managedKey != nil {
		if err := managedKey.Start(ctx); err != nil {
			log.Error("initial managed-key bind failed", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Health.Enabled {
		healthServer := &http.Server{Addr: cfg.Health.Addr, Handler: healthSrv.Handler()}
		go func() {
			log.Info("health server starting", "addr", cfg.Health.Addr)
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("health server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = healthServer.Shutdown(shutdownCtx)
		}()
	}

	go wsClient.Run(ctx)

	if sup != nil {
		go func() {
			if err := sup.Run(ctx); err != nil {
				log.Error("supervised process exited with error", "error", err)
			}
		}()
	}

	engine.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received, draining")

	engine.Drain(func() {
		cancel()
	}, func() {
		if managedKey != nil {
			managedKey.Stop()
		}
	})

	dynAgent.Shutdown()
	log.Info("zn-vault-agent stopped")
}

// managedKeyBinder adapts *vaultclient.Client to keycontrol.Binder: the
// bind call authenticates with the agent's base credential (API key or
// username/password), not the managed key it returns, so it always
// passes an empty explicit token and lets the client's own precedence
// rule pick the base credential.
type managedKeyBinder struct {
	client *vaultclient.Client
}

func (b managedKeyBinder) BindManagedAPIKey(ctx context.Context, name string) (*keycontrol.BindResponse, error) {
	resp, err := b.client.BindManagedAPIKey(ctx, "", name)
	if err != nil {
		return nil, err
	}
	return &keycontrol.BindResponse{
		Key:            resp.Key,
		NextRotationAt: resp.NextRotationAt,
		GraceExpiresAt: resp.GraceExpiresAt,
		RotationMode:   resp.RotationMode,
	}, nil
}

// deriveWSURL turns the configured HTTP(S) vault URL into the WS(S) URL
// for the Event Channel's /v1/ws/agent endpoint.
func deriveWSURL(vaultURL string) string {
	wsURL := vaultURL
	switch {
	case strings.HasPrefix(vaultURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(vaultURL, "https://")
	case strings.HasPrefix(vaultURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(vaultURL, "http://")
	}
	return strings.TrimSuffix(wsURL, "/") + "/v1/ws/agent"
}

func printHelp() {
	fmt.Printf("%s - secret and credential sync agent\n\n", serviceName)
	fmt.Printf("Usage: %s [options]\n\n", os.Args[0])
	fmt.Printf("Options:\n")
	fmt.Printf("  -config string   Path to the agent configuration file\n")
	fmt.Printf("  -version         Show version information\n")
	fmt.Printf("  -help            Show this help message\n\n")
	fmt.Printf("Environment variables (ZNVA_ prefix overrides config file values):\n")
	fmt.Printf("  ZNVA_URL         Vault base URL\n")
	fmt.Printf("  ZNVA_TENANT_ID   Tenant ID\n")
	fmt.Printf("  ZNVA_API_KEY     Static API key\n")
	fmt.Printf("  ZNVA_USERNAME    Username, if using username/password auth\n")
	fmt.Printf("  ZNVA_PASSWORD    Password, if using username/password auth\n")
	fmt.Printf("  ZNVA_INSECURE    Skip TLS certificate verification\n")
}
