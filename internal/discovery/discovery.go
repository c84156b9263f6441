// Package discovery advertises this process as a classic Spotify Connect
// speaker over mDNS/DNS-SD (_spotify-connect._tcp), so the official
// Spotify app can find and hand off playback to it without the user
// typing a device id. This is additive to, and independent of, the
// dealer/cluster path the rest of the engine implements. The
// registration/shutdown shape mirrors any zeroconf.Register-based
// advertiser: register on start, block until cancelled, shut down
// cleanly.
package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_spotify-connect._tcp"

// Service manages mDNS advertisement of this device as a Connect target.
type Service struct {
	deviceName string
	deviceType string // e.g. "speaker", "computer"
	port       int
	server     *zeroconf.Server
}

// New creates a Service that will advertise deviceName on the given port
// once Start runs. deviceType is surfaced as a TXT record the way
// librespot-compatible controllers expect.
func New(deviceName, deviceType string, port int) *Service {
	return &Service{deviceName: deviceName, deviceType: deviceType, port: port}
}

// Start registers the mDNS service and blocks until ctx is cancelled, at
// which point it shuts the advertisement down cleanly.
func (s *Service) Start(ctx context.Context) error {
	txt := []string{
		"VERSION=1.0",
		"CPath=/",
		"Stack=SP",
		fmt.Sprintf("DeviceType=%s", s.deviceType),
	}

	server, err := zeroconf.Register(
		s.deviceName,
		serviceType,
		"local.",
		s.port,
		txt,
		nil, // all interfaces
	)
	if err != nil {
		return fmt.Errorf("discovery: register: %w", err)
	}
	s.server = server
	slog.Info("discovery: advertising spotify-connect target", "name", s.deviceName, "port", s.port)

	<-ctx.Done()

	server.Shutdown()
	slog.Info("discovery: advertisement withdrawn")
	return nil
}
