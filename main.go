package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isnlan/crosscopy/auth"
	"github.com/isnlan/crosscopy/config"
	"github.com/isnlan/crosscopy/crypto"
	"github.com/isnlan/crosscopy/device"
	"github.com/isnlan/crosscopy/discovery"
	"github.com/isnlan/crosscopy/events"
	"github.com/isnlan/crosscopy/models"
	"github.com/isnlan/crosscopy/network"
	"github.com/isnlan/crosscopy/storage"
)

// masterKeySalt pins the KDF context so every device deriving from the same
// shared secret reaches the same master key.
const masterKeySalt = "crosscopy/master-key/v1"

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	if err := setupLogging(cfg.Logging); err != nil {
		log.Fatalf("startup failed while configuring logging: %v", err)
	}

	identity, err := crypto.EnsureLinkIdentity(cfg.Device.LinkKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing link identity: %v", err)
	}

	// The device id peers see is the link key fingerprint. Keep the config
	// file in step with it so trust records and the id printed here agree.
	fingerprint := identity.Fingerprint()
	if cfg.Device.DeviceID != fingerprint {
		cfg.Device.DeviceID = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting device id: %v", err)
		}
	}

	fmt.Printf("Device ID:       %s\n", cfg.Device.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.Device.DeviceName)
	fmt.Printf("Listening Port:  %d\n", cfg.Network.ListenPort)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(fingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("database close error")
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	go bus.Run(ctx)

	trust, err := auth.NewTrustStore(store, nil)
	if err != nil {
		log.Fatalf("startup failed while loading trust store: %v", err)
	}

	authenticator, err := auth.NewAuthenticator(trust, bus, store, auth.Options{
		ChallengeTTL:       cfg.Security.ChallengeTTL(),
		MaxAttempts:        cfg.Security.MaxAttempts,
		BlockDuration:      cfg.Security.BlockDuration(),
		DefaultLevel:       models.TrustLevel(cfg.Security.DefaultTrustLevel),
		PersistentTrustTTL: cfg.Security.PersistentTrustTTL(),
	})
	if err != nil {
		log.Fatalf("startup failed while building authenticator: %v", err)
	}
	go authenticator.Run(ctx)

	master := crypto.DeriveKey([]byte(cfg.Security.SecretKey), []byte(masterKeySalt))
	effective := master
	if interval := cfg.Security.KeyRotationInterval(); interval > 0 {
		effective, err = crypto.EpochKey(master, interval, time.Now())
		if err != nil {
			log.Fatalf("startup failed while deriving epoch key: %v", err)
		}
	}

	keys, err := crypto.NewKeyManager(fingerprint, effective)
	if err != nil {
		log.Fatalf("startup failed while building key manager: %v", err)
	}
	if interval := cfg.Security.KeyRotationInterval(); interval > 0 {
		go runKeyRotation(ctx, keys, master, interval)
	}

	manager, err := network.NewManager(network.Options{
		Identity:          identity,
		Device:            device.Describe(cfg.Device),
		Auth:              authenticator,
		Keys:              keys,
		Bus:               bus,
		Store:             store,
		ListenAddress:     ":" + strconv.Itoa(cfg.Network.ListenPort),
		HeartbeatInterval: cfg.Network.HeartbeatInterval(),
		IdleTimeout:       cfg.Network.ConnectionTimeout(),
		ConnectTimeout:    cfg.Network.ConnectionTimeout(),
		PairingTimeout:    cfg.Security.ChallengeTTL(),
		MaxMessageAge:     cfg.Security.MaxMessageAge(),
		MaxConnections:    cfg.Network.MaxConnections,
	})
	if err != nil {
		log.Fatalf("startup failed while building session manager: %v", err)
	}
	if err := manager.Start(); err != nil {
		log.Fatalf("startup failed while starting listener: %v", err)
	}
	defer manager.Stop()

	console := &pairingConsole{manager: manager}
	bus.Register(console)
	go console.ReadCodes(ctx)

	go forwardContent(manager.Content())
	go forwardErrors(bus, manager.Errors())

	if cfg.Network.AutoDiscovery {
		discoveryService, err := discovery.Start(discovery.Config{
			SelfDeviceID:   fingerprint,
			DeviceName:     cfg.Device.DeviceName,
			Platform:       device.Platform(),
			ListeningPort:  cfg.Network.ListenPort,
			KeyFingerprint: fingerprint,
		})
		if err != nil {
			logrus.WithError(err).Warn("discovery startup failed")
		} else {
			defer discoveryService.Stop()
			fmt.Println("Discovery:       running")
			go forwardDiscoveredPeers(discoveryService.Scanner.Events(), manager)
		}
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	// Stop sessions first so their disconnect events make the final drain.
	manager.Stop()
	bus.Publish(events.Shutdown{})
	bus.Drain()
}

func setupLogging(cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	logrus.SetLevel(level)

	if cfg.Structured {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	if cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logrus.SetOutput(file)
	}

	return nil
}

// runKeyRotation swaps the master key at every rotation epoch boundary. Both
// devices of a pair compute the same epoch key from the shared base, so the
// swap needs no coordination message.
func runKeyRotation(ctx context.Context, keys *crypto.KeyManager, base []byte, interval time.Duration) {
	for {
		now := time.Now()
		epochLen := int64(interval / time.Second)
		next := time.Unix((now.Unix()/epochLen+1)*epochLen, 0)

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next) + time.Second):
		}

		epochKey, err := crypto.EpochKey(base, interval, time.Now())
		if err != nil {
			logrus.WithError(err).Error("epoch key derivation failed, keeping current master")
			continue
		}
		if err := keys.Rotate(epochKey); err != nil {
			logrus.WithError(err).Error("master key rotation failed")
			continue
		}

		logrus.WithField("generation", keys.Generation()).Info("rotated master key for new epoch")
	}
}

func forwardContent(content <-chan network.InboundContent) {
	for item := range content {
		logrus.WithFields(logrus.Fields{
			"peer_id": item.PeerID,
			"size":    len(item.Data),
		}).Info("content received")
	}
}

func forwardErrors(bus *events.Bus, errs <-chan error) {
	for err := range errs {
		logrus.WithError(err).Warn("network error")
		bus.Publish(events.ErrorEvent{Scope: "network", Err: err})
	}
}

func forwardDiscoveredPeers(discoveryEvents <-chan discovery.Event, manager *network.Manager) {
	for event := range discoveryEvents {
		switch event.Type {
		case discovery.EventPeerUpserted:
			logrus.WithFields(logrus.Fields{
				"peer_id": event.Peer.DeviceID,
				"name":    event.Peer.DeviceName,
				"addrs":   event.Peer.Addresses,
				"port":    event.Peer.Port,
			}).Debug("discovery peer available")
			manager.HandlePeerFound(event.Peer)
		case discovery.EventPeerRemoved:
			logrus.WithField("peer_id", event.Peer.DeviceID).Debug("discovery peer removed")
		}
	}
}

// pairingConsole is the terminal stand-in for a UI sink: it prints pairing
// prompts and feeds typed codes back to the session manager.
type pairingConsole struct {
	manager *network.Manager

	mu          sync.Mutex
	challengeID string
}

func (c *pairingConsole) Name() string { return "console" }

func (c *pairingConsole) Handle(event events.Event) error {
	switch e := event.(type) {
	case events.ShowCode:
		fmt.Printf("\nPairing request from %q (%s)\n", e.Device.DeviceName, e.PeerID)
		fmt.Printf("Share this code with the other device: %s (expires in %s)\n\n",
			e.Code, e.ExpiresIn.Round(time.Second))
	case events.CodeRequired:
		c.mu.Lock()
		c.challengeID = e.ChallengeID
		c.mu.Unlock()
		fmt.Printf("\nType the code shown on %q and press Enter.\n\n", e.Device.DeviceName)
	case events.AuthSucceeded:
		fmt.Printf("Paired with %s (trust level %s)\n", e.PeerID, e.Level)
	case events.AuthFailed:
		fmt.Printf("Pairing with %s failed: %s\n", e.PeerID, e.Reason)
	case events.PeerBlocked:
		fmt.Printf("Peer %s blocked until %s\n", e.PeerID, e.Until.Format(time.RFC3339))
	case events.PeerConnected:
		fmt.Printf("Connected: %s (%s)\n", e.DeviceName, e.PeerID)
	case events.PeerDisconnected:
		fmt.Printf("Disconnected: %s (%s)\n", e.PeerID, e.Reason)
	}
	return nil
}

// ReadCodes feeds stdin lines to the most recent code prompt.
func (c *pairingConsole) ReadCodes(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		code := strings.TrimSpace(scanner.Text())
		if code == "" {
			continue
		}

		c.mu.Lock()
		challengeID := c.challengeID
		c.mu.Unlock()
		if challengeID == "" {
			fmt.Println("No pairing prompt is waiting for a code.")
			continue
		}

		if err := c.manager.SubmitCode(challengeID, code); err != nil {
			fmt.Printf("Submit code: %v\n", err)
		}
	}
}
