// Package session implements Session and AudioKeyManager. The AP
// (accesspoint) handshake and low-level packet framing are explicitly
// out of scope; this package only defines the PacketTransport contract
// such a transport must satisfy and builds the AudioKey request/response
// protocol and access-token caching on top of it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DeviceConfig is the static identity this process presents to Spotify.
type DeviceConfig struct {
	DeviceID   string // UUID
	DeviceName string
	DeviceType string // e.g. "speaker", "computer"
}

// Packet is one inbound AP packet, identified by its type byte.
type Packet struct {
	Type    byte
	Payload []byte
}

// PacketTransport is the AP (accesspoint) packet I/O contract. Concrete
// implementations (the handshake, Shannon-stream framing, keepalive) are
// out of this engine's scope and are supplied by the host.
type PacketTransport interface {
	// SendPacket writes one AP packet.
	SendPacket(ctx context.Context, packetType byte, payload []byte) error
	// Packets returns the stream of inbound AP packets.
	Packets() (<-chan Packet, func())
	// Close gracefully terminates the AP session.
	Close() error
}

// tokenRefreshMargin is subtracted from a token's expiry so callers never
// observe a token that is about to lapse mid-request.
const tokenRefreshMargin = 60 * time.Second

// Session owns device configuration, credentials, the access-token cache,
// the AP transport, and the AudioKeyManager.
type Session struct {
	device DeviceConfig

	tokenSource oauth2.TokenSource
	tokenGroup  singleflight.Group

	tokenMu     sync.Mutex
	cachedToken *oauth2.Token

	transport PacketTransport
	keys      *AudioKeyManager

	countryCode string
	accountType string

	closeOnce sync.Once
}

// Connect creates a Session bound to an already-authenticated
// oauth2.TokenSource (wrapping whatever credential flow the host chose —
// OAuth flows themselves are out of scope here) and an AP PacketTransport.
func Connect(device DeviceConfig, tokenSource oauth2.TokenSource, transport PacketTransport, countryCode, accountType string) *Session {
	s := &Session{
		device:      device,
		tokenSource: tokenSource,
		transport:   transport,
		countryCode: countryCode,
		accountType: accountType,
	}
	s.keys = newAudioKeyManager(s)
	logDeviceConnected(device)
	return s
}

// Device returns this session's device configuration.
func (s *Session) Device() DeviceConfig { return s.device }

// CountryCode returns the account's country code, as reported at login.
func (s *Session) CountryCode() string { return s.countryCode }

// AccountType returns "premium" or "free"-style account tier.
func (s *Session) AccountType() string { return s.accountType }

// AudioKeys returns the AudioKeyManager for this session.
func (s *Session) AudioKeys() *AudioKeyManager { return s.keys }

// SendPacket forwards to the underlying AP transport.
func (s *Session) SendPacket(ctx context.Context, packetType byte, payload []byte) error {
	return s.transport.SendPacket(ctx, packetType, payload)
}

// AccessToken returns a cached access token, refreshing it if it is
// within tokenRefreshMargin of expiry. Concurrent callers during a
// refresh share a single in-flight request.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	s.tokenMu.Lock()
	tok := s.cachedToken
	s.tokenMu.Unlock()

	if tok != nil && tok.Expiry.After(time.Now().Add(tokenRefreshMargin)) {
		return tok.AccessToken, nil
	}

	v, err, _ := s.tokenGroup.Do("refresh", func() (interface{}, error) {
		fresh, err := s.tokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("session: token refresh: %w", err)
		}
		s.tokenMu.Lock()
		s.cachedToken = fresh
		s.tokenMu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return "", &Error{Code: ErrTokenRefreshFailed, Cause: err}
	}
	return v.(*oauth2.Token).AccessToken, nil
}

// Close gracefully terminates the AP session, cancelling any pending
// AudioKey requests.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.keys.cancelAll()
		err = s.transport.Close()
	})
	return err
}

func logDeviceConnected(device DeviceConfig) {
	slog.Info("session: connected", "device_id", device.DeviceID, "device_name", device.DeviceName)
}
