package netutil

import (
	"fmt"
	"net"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// ServiceType is the DNS-SD service type this secure transport core
// advertises its TCP/TLS endpoint under.
const ServiceType = "_ocsession._tcp"

// Domain is the mDNS domain advertisements are published in.
const Domain = "local"

// AdvertiserConfig optionally overrides zeroconf's connection factory
// and interface provider, letting tests run without binding real
// multicast sockets.
type AdvertiserConfig struct {
	ConnectionFactory zeroconf.ConnFactory
	InterfaceProvider zeroconf.InterfaceProvider
}

// Advertiser publishes this device's secure endpoint via mDNS so peers
// on the local network can resolve it without a prior address. It
// publishes exactly one service record for the secure endpoint;
// commissioning-style discovery (QR codes, pairing requests, multiple
// service types per device state) is a separate concern this package
// does not implement.
type Advertiser struct {
	config AdvertiserConfig

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an inactive advertiser.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	return &Advertiser{config: config}
}

func (a *Advertiser) serverOptions() []zeroconf.ServerOption {
	var opts []zeroconf.ServerOption
	if a.config.ConnectionFactory != nil {
		opts = append(opts, zeroconf.WithServerConnFactory(a.config.ConnectionFactory))
	}
	if a.config.InterfaceProvider != nil {
		opts = append(opts, zeroconf.WithServerInterfaceProvider(a.config.InterfaceProvider))
	}
	return opts
}

// Advertise publishes deviceUUID reachable at port over TCP/TLS on the
// named interface (empty means all multicast-capable interfaces).
// Replaces any previous advertisement.
func (a *Advertiser) Advertise(deviceUUID string, port int, ifaceName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	instance := fmt.Sprintf("ocsession-%s", deviceUUID)
	var ifaces []net.Interface
	if ifaceName != "" {
		if iface, err := net.InterfaceByName(ifaceName); err == nil {
			ifaces = []net.Interface{*iface}
		}
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, port, []string{"uuid=" + deviceUUID}, ifaces, a.serverOptions()...)
	if err != nil {
		return err
	}
	a.server = server
	return nil
}

// Stop withdraws the current advertisement, if any.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
