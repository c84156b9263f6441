// Command spotconnect is the thin interactive terminal front-end for the
// engine: it wires Session, Dealer, ConnectState, CommandHandler,
// PlaybackState, and AudioPipeline together and drives them from stdin
// commands.
//
// Three pieces have no standalone implementation in this repository and
// must be supplied by a real deployment: the OAuth flow, the AP
// (accesspoint) packet transport, and the concrete protobuf message
// types for cluster updates / PutStateRequest / track metadata. This
// command uses clearly-marked placeholders for those three so the rest
// of the engine — dealer, connect-state, command dispatch, playback
// mirroring, and the pipeline with its local/HTTP track sources — can be
// exercised end to end without them.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/go-spotconnect/spotconnect/internal/apresolve"
	"github.com/go-spotconnect/spotconnect/internal/command"
	"github.com/go-spotconnect/spotconnect/internal/connectstate"
	"github.com/go-spotconnect/spotconnect/internal/dealer"
	"github.com/go-spotconnect/spotconnect/internal/discovery"
	"github.com/go-spotconnect/spotconnect/internal/httpradio"
	"github.com/go-spotconnect/spotconnect/internal/localtrack"
	"github.com/go-spotconnect/spotconnect/internal/model"
	"github.com/go-spotconnect/spotconnect/internal/netwatch"
	"github.com/go-spotconnect/spotconnect/internal/pipeline"
	"github.com/go-spotconnect/spotconnect/internal/playback"
	"github.com/go-spotconnect/spotconnect/internal/pubsub"
	"github.com/go-spotconnect/spotconnect/internal/session"
	"github.com/go-spotconnect/spotconnect/internal/spclient"
	"github.com/go-spotconnect/spotconnect/internal/statusapi"
	"github.com/go-spotconnect/spotconnect/internal/track"
)

func main() {
	var (
		tokenFile     = flag.String("token-file", "", "path to a file containing a bearer access token (host's OAuth flow is out of scope; required)")
		deviceName    = flag.String("device-name", "spotconnect", "device name advertised to Spotify Connect")
		deviceType    = flag.String("device-type", "speaker", "device type advertised to Spotify Connect")
		deviceIDPath  = flag.String("device-id-file", "", "path to a file holding this device's persistent UUID (default: <config-dir>/device-id)")
		cfgDir        = flag.String("config-dir", "", "config directory (default: ~/.config/spotconnect)")
		statusAddr    = flag.String("status-addr", "127.0.0.1:9191", "loopback address for the local status/debug HTTP surface")
		discoverOn    = flag.Bool("discovery", false, "advertise this device over mDNS as a classic Spotify Connect speaker")
		discoverPort  = flag.Int("discovery-port", 5000, "port advertised in the mDNS TXT record")
		bidirectional = flag.Bool("bidirectional", true, "reflect local playback state changes into the Connect cluster")
		debug         = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if *cfgDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("cannot determine home directory", "err", err)
			os.Exit(1)
		}
		*cfgDir = filepath.Join(home, ".config", "spotconnect")
	}
	if err := os.MkdirAll(*cfgDir, 0o755); err != nil {
		slog.Error("cannot create config directory", "path", *cfgDir, "err", err)
		os.Exit(1)
	}
	if *deviceIDPath == "" {
		*deviceIDPath = filepath.Join(*cfgDir, "device-id")
	}
	if *tokenFile == "" {
		slog.Error("-token-file is required: the engine does not perform OAuth itself")
		os.Exit(1)
	}

	deviceID, err := loadOrCreateDeviceID(*deviceIDPath)
	if err != nil {
		slog.Error("cannot load device id", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tokenSource, err := newReloadableTokenSource(*tokenFile)
	if err != nil {
		slog.Error("cannot read token file", "err", err)
		os.Exit(1)
	}
	watcher, err := session.WatchCredentials(*tokenFile, tokenSource.reload)
	if err != nil {
		slog.Warn("session: credentials watcher unavailable, re-logins require a restart", "err", err)
	} else {
		defer watcher.Close()
	}

	resolver := apresolve.New()
	sess := session.Connect(
		session.DeviceConfig{DeviceID: deviceID, DeviceName: *deviceName, DeviceType: *deviceType},
		tokenSource,
		newDisabledTransport(),
		"US", "premium",
	)
	defer sess.Close()

	d := dealer.New(resolver, sess)
	go func() {
		if err := d.RunWithReconnect(ctx); err != nil && ctx.Err() == nil {
			slog.Error("dealer: stopped", "err", err)
		}
	}()

	spc := spclient.New(sess, resolver)

	cmdHandler := command.New(d)
	defer cmdHandler.Close()

	registry := track.NewRegistry()
	// Only the sources this repository can fully implement without a
	// host-supplied protobuf schema are registered by default. A real
	// deployment additionally registers track.NewSource(...) for
	// spotify:track:/spotify:episode: URIs, built on its own generated
	// metadata/storage-resolve types plus spc and sess.AudioKeys().
	registry.Register(localtrack.New())
	registry.Register(httpradio.New())

	connMgr := connectstate.New(deviceID, d, spc, placeholderStateBuilder)

	pl := pipeline.New(registry, nil, connMgr)
	defer pl.Close()
	pl.SetBidirectional(*bidirectional)

	mirror := playback.New(d, placeholderClusterDecoder, deviceID, *bidirectional, func() bool {
		return pl.CurrentState() != pipeline.Stopped
	})
	defer mirror.Close()

	snap := newSnapshot()
	snap.watch(pl, mirror)

	go runCommandBridge(ctx, cmdHandler, pl)

	if *discoverOn {
		go func() {
			if err := discovery.New(*deviceName, *deviceType, *discoverPort).Start(ctx); err != nil {
				slog.Warn("discovery: stopped", "err", err)
			}
		}()
	}

	go netwatch.New("", 30*time.Second, d).Run(ctx)

	go func() {
		srv := statusapi.NewRouter(snap, snap)
		slog.Info("statusapi: listening", "addr", *statusAddr)
		if err := listenAndServe(ctx, *statusAddr, srv); err != nil {
			slog.Warn("statusapi: stopped", "err", err)
		}
	}()

	slog.Info("spotconnect: ready", "device_id", deviceID, "device_name", *deviceName)
	runREPL(ctx, pl, connMgr)
}

// runCommandBridge translates dealer-originated commands into pipeline
// operations, the same flow the CLI's stdin loop drives from local
// input.
func runCommandBridge(ctx context.Context, h *command.Handler, pl *pipeline.Pipeline) {
	ch, cancel := h.Commands()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-ch:
			if !ok {
				return
			}
			applyCommand(ctx, pl, cmd)
		}
	}
}

func applyCommand(ctx context.Context, pl *pipeline.Pipeline, cmd command.Command) {
	var err error
	switch cmd.Kind {
	case command.KindPlay:
		uri := cmd.TrackURI
		if uri == "" {
			uri = cmd.ContextURI
		}
		var skip *int
		if cmd.SkipTo != nil {
			skip = cmd.SkipTo.TrackIndex
		}
		err = pl.Play(ctx, uri, cmd.SeekTo, skip, toOptions(cmd.Options))
	case command.KindPause:
		err = pl.Pause(ctx)
	case command.KindResume:
		err = pl.Resume(ctx)
	case command.KindSeek:
		err = pl.Seek(ctx, cmd.Position)
	case command.KindSkipNext:
		err = pl.SkipNext(ctx)
	case command.KindSkipPrev:
		err = pl.SkipPrev(ctx)
	case command.KindShuffle:
		err = pl.SetShuffling(ctx, cmd.Value)
	case command.KindRepeatContext:
		err = pl.SetRepeatingContext(ctx, cmd.Value)
	case command.KindRepeatTrack:
		err = pl.SetRepeatingTrack(ctx, cmd.Value)
	default:
		slog.Debug("spotconnect: command has no local effect", "kind", cmd.Kind)
		return
	}
	if err != nil {
		slog.Warn("spotconnect: command failed", "kind", cmd.Kind, "err", err)
	}
}

func toOptions(o *command.Options) *pipeline.Options {
	if o == nil {
		return nil
	}
	return &pipeline.Options{
		ShufflingContext: o.ShufflingContext,
		RepeatingContext: o.RepeatingContext,
		RepeatingTrack:   o.RepeatingTrack,
	}
}

// runREPL implements the interactive CLI commands: play, pause, resume,
// next, prev, seek, vol, device, quit.
func runREPL(ctx context.Context, pl *pipeline.Pipeline, connMgr *connectstate.Manager) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("spotconnect> type 'quit' to exit")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmdName := fields[0]
		args := fields[1:]

		var err error
		switch cmdName {
		case "play":
			if len(args) < 1 {
				fmt.Println("usage: play <uri>")
				continue
			}
			err = pl.Play(ctx, args[0], nil, nil, nil)
		case "pause":
			err = pl.Pause(ctx)
		case "resume":
			err = pl.Resume(ctx)
		case "next":
			err = pl.SkipNext(ctx)
		case "prev":
			err = pl.SkipPrev(ctx)
		case "seek":
			if len(args) < 1 {
				fmt.Println("usage: seek <sec>")
				continue
			}
			secs, perr := strconv.Atoi(args[0])
			if perr != nil {
				fmt.Println("seek: invalid seconds:", perr)
				continue
			}
			err = pl.Seek(ctx, int64(secs)*1000)
		case "vol":
			if len(args) < 1 {
				fmt.Println("usage: vol [0-100|+|-]")
				continue
			}
			applyVolume(ctx, connMgr, args[0])
		case "device":
			if len(args) < 1 {
				fmt.Println("usage: device on|off")
				continue
			}
			connMgr.SetActive(ctx, args[0] == "on")
		case "quit":
			return
		default:
			fmt.Println("unknown command:", cmdName)
		}
		if err != nil {
			fmt.Println("error:", err)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func applyVolume(ctx context.Context, connMgr *connectstate.Manager, arg string) {
	switch arg {
	case "+":
		connMgr.SetVolumePercent(ctx, currentVolumePercent(connMgr)+5)
	case "-":
		connMgr.SetVolumePercent(ctx, currentVolumePercent(connMgr)-5)
	default:
		pct, err := strconv.Atoi(arg)
		if err != nil {
			fmt.Println("vol: invalid value:", err)
			return
		}
		connMgr.SetVolumePercent(ctx, pct)
	}
}

func currentVolumePercent(connMgr *connectstate.Manager) int {
	return int(connMgr.Volume()) * 100 / 65535
}

// loadOrCreateDeviceID reads the persisted device UUID, or generates
// and persists a new one.
func loadOrCreateDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}
	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}

// reloadableTokenSource is an oauth2.TokenSource backed by whatever bearer
// token was last read from the host's credentials file, swapped in place
// by session.WatchCredentials when the host's own OAuth flow rewrites
// that file (a re-login, or a refreshed token) — so a long-running
// process doesn't need restarting to pick up new credentials. A real
// deployment's token still has no expiry of its own to drive
// session.Session's refresh margin off of; that remains the host's
// responsibility via the file rewrite.
type reloadableTokenSource struct {
	mu  sync.Mutex
	tok *oauth2.Token
}

func newReloadableTokenSource(path string) (*reloadableTokenSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	ts := &reloadableTokenSource{}
	ts.reload(data)
	if ts.tok == nil {
		return nil, fmt.Errorf("token file %q is empty", path)
	}
	return ts, nil
}

func (ts *reloadableTokenSource) reload(data []byte) {
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		slog.Warn("session: credentials file rewritten empty, keeping previous token")
		return
	}
	ts.mu.Lock()
	ts.tok = &oauth2.Token{AccessToken: tok, Expiry: time.Now().Add(24 * time.Hour)}
	ts.mu.Unlock()
	slog.Info("session: credentials reloaded")
}

func (ts *reloadableTokenSource) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tok == nil {
		return nil, fmt.Errorf("no token loaded")
	}
	return ts.tok, nil
}

// disabledTransport is the documented placeholder for the AP packet
// transport: the AP handshake and low-level framing are out of scope
// here. AudioKey requests over it always fail; a host that needs
// working AudioKey fetches supplies a real session.PacketTransport.
type disabledTransport struct{}

func newDisabledTransport() *disabledTransport { return &disabledTransport{} }

func (t *disabledTransport) SendPacket(ctx context.Context, packetType byte, payload []byte) error {
	return &session.Error{Code: session.ErrNotConnected}
}

func (t *disabledTransport) Packets() (<-chan session.Packet, func()) {
	ch := make(chan session.Packet)
	close(ch)
	return ch, func() {}
}

func (t *disabledTransport) Close() error { return nil }

// placeholderStateBuilder stands in for a real PutStateRequest protobuf,
// which is out of scope here. It carries enough information to
// exercise the PUT path end-to-end without depending on Spotify's actual
// wire schema; a host replaces this with its own generated type.
func placeholderStateBuilder(volume uint16, active bool, reason connectstate.PutStateReason, messageID uint32) proto.Message {
	summary := fmt.Sprintf("volume=%d active=%t reason=%s message_id=%d", volume, active, reason, messageID)
	return wrapperspb.String(summary)
}

// placeholderClusterDecoder stands in for real ClusterUpdate protobuf
// decoding, which is out of scope here. It never successfully decodes a
// cluster snapshot; a host replaces it with a decoder built on its own
// generated protobuf package. PlaybackState's malformed-frame handling
// means this is safe to leave wired: failures are logged and dropped,
// they do not crash the mirror.
func placeholderClusterDecoder(payload []byte) (model.ClusterView, error) {
	return model.ClusterView{}, fmt.Errorf("playback: cluster protobuf decoding requires a host-supplied schema")
}

// snapshot tracks the latest LocalPlaybackState and ClusterView for
// internal/statusapi, the same "subscribe once, cache the latest"
// pattern pubsub.Value implements, composed here across two distinct
// source streams (pipeline + playback mirror) instead of one.
type snapshot struct {
	playback *pubsub.Value[model.LocalPlaybackState]
	cluster  *pubsub.Value[model.ClusterView]
}

func newSnapshot() *snapshot {
	return &snapshot{
		playback: pubsub.NewValue(model.LocalPlaybackState{}, nil),
		cluster:  pubsub.NewValue(model.ClusterView{}, nil),
	}
}

func (s *snapshot) watch(pl *pipeline.Pipeline, mirror *playback.Mirror) {
	stateCh, _ := pl.StateChanges()
	go func() {
		for st := range stateCh {
			s.playback.Set(st)
		}
	}()

	trackCh, _ := mirror.TrackChanged()
	statusCh, _ := mirror.StatusChanged()
	posCh, _ := mirror.PositionChanged()
	optsCh, _ := mirror.OptionsChanged()
	go s.drainCluster(trackCh)
	go s.drainCluster(statusCh)
	go s.drainCluster(posCh)
	go s.drainCluster(optsCh)
}

func (s *snapshot) drainCluster(ch <-chan model.ClusterView) {
	for v := range ch {
		s.cluster.Set(v)
	}
}

func (s *snapshot) CurrentPlaybackState() model.LocalPlaybackState { return s.playback.Get() }
func (s *snapshot) CurrentCluster() model.ClusterView              { return s.cluster.Get() }
func (s *snapshot) StateChanges() (<-chan model.LocalPlaybackState, func()) {
	return s.playback.Subscribe()
}

func listenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
