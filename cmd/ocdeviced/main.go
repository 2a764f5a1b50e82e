// Command ocdeviced runs one device's secure transport core: it
// listens for inbound TLS/DTLS sessions, optionally dials out to a
// peer, and drives an optional cloud sign-up/publish/ping state
// machine, all from a single cooperative event loop.
//
// Usage:
//
//	ocdeviced [flags]
//
// Flags:
//
//	-config string       YAML configuration file path
//	-device-id string    Device UUID (generated if empty)
//	-state-dir string    Directory holding identity.chain.pem, identity.key.pem, anchor.pem
//	-interface string    Network interface to advertise on (empty: all)
//	-port int            TCP/TLS listen port (default 8443)
//	-dtls-port int       UDP/DTLS listen port (default 8444)
//	-peer-addr string    Optional TCP/TLS address to dial out to on start
//	-ownership string    rfotm or rfnop (default "rfotm")
//	-oxm string          justworks, pin, or mfgcert (default "justworks")
//	-pin string          PIN for oxm=pin
//	-cloud               Enable the cloud sign-up/publish/ping state machine
//	-cloud-ci-url string CI server base URL
//	-cloud-auth string   Cloud auth provider name
//	-log-level string    debug, info, warn, error (default "info")
//	-protocol-log string File path for CBOR protocol event logging
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ocfcore/ocsession/internal/clock"
	"github.com/ocfcore/ocsession/internal/cloud"
	"github.com/ocfcore/ocsession/internal/eventloop"
	"github.com/ocfcore/ocsession/internal/msgpool"
	"github.com/ocfcore/ocsession/internal/netutil"
	"github.com/ocfcore/ocsession/internal/tcpsess"
	"github.com/ocfcore/ocsession/internal/tlssess"
	oclog "github.com/ocfcore/ocsession/pkg/log"
)

func parseFlags() Config {
	preConfig := DefaultConfig()
	if path := preScanConfigFlag(os.Args[1:]); path != "" {
		if err := loadConfigFile(&preConfig, path); err != nil {
			log.Fatalf("loading config file: %v", err)
		}
		preConfig.ConfigFile = path
	}

	cfg := preConfig
	flag.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML configuration file path")
	flag.StringVar(&cfg.DeviceID, "device-id", cfg.DeviceID, "Device UUID (generated if empty)")
	flag.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory holding provisioned credentials")
	flag.StringVar(&cfg.Interface, "interface", cfg.Interface, "Network interface to advertise on")
	flag.IntVar(&cfg.ListenPort, "port", cfg.ListenPort, "TCP/TLS listen port")
	flag.IntVar(&cfg.DTLSPort, "dtls-port", cfg.DTLSPort, "UDP/DTLS listen port")
	flag.StringVar(&cfg.PeerAddr, "peer-addr", cfg.PeerAddr, "Optional TCP/TLS address to dial out to on start")
	flag.StringVar(&cfg.Ownership, "ownership", cfg.Ownership, "rfotm or rfnop")
	flag.StringVar(&cfg.Oxm, "oxm", cfg.Oxm, "justworks, pin, or mfgcert")
	flag.StringVar(&cfg.PIN, "pin", cfg.PIN, "PIN for oxm=pin")
	flag.BoolVar(&cfg.CloudEnabled, "cloud", cfg.CloudEnabled, "Enable the cloud sign-up/publish/ping state machine")
	flag.StringVar(&cfg.CloudCIURL, "cloud-ci-url", cfg.CloudCIURL, "CI server base URL")
	flag.StringVar(&cfg.CloudAuthProvider, "cloud-auth", cfg.CloudAuthProvider, "Cloud auth provider name")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, error")
	flag.StringVar(&cfg.ProtocolLogFile, "protocol-log", cfg.ProtocolLogFile, "File path for CBOR protocol event logging")
	flag.Parse()

	return cfg
}

func main() {
	cfg := parseFlags()
	if err := validateConfig(&cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}

	logger, protocolFile, err := setupLogging(cfg.LogLevel, cfg.ProtocolLogFile)
	if err != nil {
		log.Fatalf("setting up logging: %v", err)
	}
	if protocolFile != nil {
		defer protocolFile.Close()
	}

	deviceUUID, err := uuid.Parse(cfg.DeviceID)
	if err != nil {
		log.Fatalf("invalid device-id %q: %v", cfg.DeviceID, err)
	}

	id, err := loadIdentity(cfg.StateDir)
	if err != nil {
		log.Fatalf("loading identity: %v", err)
	}

	clockQ := clock.NewSystem()
	tcpEngine := tcpsess.New(nil, logger)
	ownership := parseOwnership(cfg.Ownership)
	oxm := parseOxm(cfg.Oxm)
	tlsEngine := tlssess.NewEngine(cfg.MaxTLSPeers, ownership, clockQ, cfg.DTLSInactivityTimeout(), id.store, logger)
	loop := eventloop.New(clockQ, tcpEngine, tlsEngine)
	pool := msgpool.New(cfg.MessagePoolSize)

	dev := &device{
		deviceID:   cfg.DeviceID,
		deviceUUID: deviceUUID,
		ownership:  ownership,
		oxm:        oxm,
		pin:        []byte(cfg.PIN),
		id:         id,
		tcp:        tcpEngine,
		tls:        tlsEngine,
		loop:       loop,
		pool:       pool,
		logger:     logger,
	}

	var cloudMgr *cloud.Manager
	if cfg.CloudEnabled {
		cloudMgr = cloud.NewManager(cloud.Context{
			Device:       cfg.DeviceID,
			CIURL:        cfg.CloudCIURL,
			AuthProvider: cfg.CloudAuthProvider,
		}, cloud.NewHTTPResponder(nil), clockQ, logger, func(device string, state cloud.State) {
			logger.Log(oclog.Event{
				Timestamp:    time.Now(),
				ConnectionID: device,
				Layer:        oclog.LayerCloud,
				Category:     oclog.CategoryState,
				DeviceID:     device,
				StateChange: &oclog.StateChangeEvent{
					Entity:   oclog.StateEntityCloud,
					NewState: state.String(),
				},
			})
		})
	}

	tcpEngine.OnConnected = func(device string, ep netutil.Endpoint) {
		dev.onTCPConnected(device, ep)
	}
	tlsEngine.OnSessionDisconnected = func(p *tlssess.Peer) {
		if cloudMgr != nil && p.Device == cfg.DeviceID {
			cloudMgr.OnSessionDisconnected()
		}
	}

	tcpListener, err := dev.serveTCP(fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		log.Fatalf("starting TCP listener: %v", err)
	}
	defer tcpListener.Close()

	var pskCreds []tlssess.PSKCredential
	dtlsListener, err := dev.serveDTLS(fmt.Sprintf(":%d", cfg.DTLSPort), pskCreds)
	if err != nil {
		log.Fatalf("starting DTLS listener: %v", err)
	}
	defer dtlsListener.Close()

	advertiser := netutil.NewAdvertiser(netutil.AdvertiserConfig{})
	if err := advertiser.Advertise(cfg.DeviceID, cfg.ListenPort, cfg.Interface); err != nil {
		logger.Log(oclog.Event{
			Timestamp: time.Now(),
			Layer:     oclog.LayerTransport,
			Category:  oclog.CategoryError,
			DeviceID:  cfg.DeviceID,
			Error:     &oclog.ErrorEventData{Layer: oclog.LayerTransport, Message: err.Error(), Context: "mdns_advertise"},
		})
	}
	defer advertiser.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	if cfg.PeerAddr != "" {
		if err := dev.dialTCP(cfg.PeerAddr); err != nil {
			log.Printf("dialing peer %s: %v", cfg.PeerAddr, err)
		}
	}
	if cloudMgr != nil {
		cloudMgr.Start()
	}

	log.Printf("ocdeviced running: device=%s tcp=:%d dtls=:%d ownership=%s", cfg.DeviceID, cfg.ListenPort, cfg.DTLSPort, cfg.Ownership)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal: %v, shutting down", sig)

	tlsEngine.CloseAll()
	tcpEngine.Shutdown(cfg.DeviceID)
}
