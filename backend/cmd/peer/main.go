// Command peer joins a room as a command line participant: it negotiates a
// direct connection with every other member and relays stdin lines as chat.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/adwski/webrtc-mesh/backend/client"
	"github.com/adwski/webrtc-mesh/backend/identity"
	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/backend/peer"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	transportWS   = "ws"
	transportPoll = "poll"
)

var (
	flagAPIURL     string
	flagWSURL      string
	flagName       string
	flagUserID     string
	flagTransport  string
	flagIDFile     string
	flagICEServers []string
	flagLoopback   bool
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "peer <room-id>",
	Short: "Join a mesh room from the terminal",
	Long: `Join a mesh room and open a direct connection to every member.

Lines typed on stdin are sent as chat. Commands:
  /peers                  list connected peers and their negotiation phase
  /audio, /video, /screen toggle a local track
  /quit                   leave the room`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), args[0])
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagAPIURL, "api", "http://localhost:8080", "api server url")
	f.StringVar(&flagWSURL, "ws", "ws://localhost:8888", "websocket signaling url")
	f.StringVarP(&flagName, "name", "n", "", "display name")
	f.StringVar(&flagUserID, "user", "", "authenticated user id, sent as identity header")
	f.StringVarP(&flagTransport, "transport", "t", transportWS, "signaling transport: ws or poll")
	f.StringVar(&flagIDFile, "id-file", defaultIDFile(), "file keeping the guest id between runs")
	f.StringSliceVar(&flagICEServers, "ice", []string{"stun:stun.l.google.com:19302"}, "ice server urls")
	f.BoolVar(&flagLoopback, "loopback", false, "gather loopback candidates")
	f.StringVarP(&flagLogLevel, "log-level", "l", "info", "log level")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, roomID string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger = logger.Level(lvl)

	var guestID string
	if flagUserID == "" {
		if guestID, err = loadGuestID(flagIDFile); err != nil {
			return err
		}
	}
	api := client.NewAPI(client.APIConfig{BaseURL: flagAPIURL, UserID: flagUserID, UserName: flagName})
	joined, err := api.Join(ctx, roomID, guestID, flagName)
	if err != nil {
		return err
	}
	self := joined.Member
	logger.Info().Str("id", self.ID).Str("role", string(self.Role)).Msg("joined room")

	transport, err := dialTransport(ctx, &logger, api, roomID, self)
	if err != nil {
		return err
	}
	defer func() {
		_ = transport.Close()
	}()

	factory, err := peer.NewPionFactory(peer.PionConfig{
		Logger:     &logger,
		ICEServers: flagICEServers,
		Loopback:   flagLoopback,
	})
	if err != nil {
		return err
	}
	orch := peer.NewOrchestrator(peer.Config{
		RoomID:   roomID,
		LocalID:  self.ID,
		Factory:  factory,
		Signaler: transport,
		Members:  api,
		Logger:   &logger,
		OnChat: func(m peer.ChatMessage) {
			fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format(time.TimeOnly), m.From, m.Text)
		},
	})
	defer orch.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- transport.Run(ctx, func(ctx context.Context, env model.Envelope) {
			if hErr := orch.HandleEnvelope(ctx, env); hErr != nil {
				logger.Debug().Err(hErr).Str("kind", string(env.Kind())).Msg("envelope not applied")
			}
		})
	}()
	if err = orch.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial member fetch failed")
	}

	lines := make(chan string)
	go readLines(lines)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err = <-errc:
			return err
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}
			handleLine(ctx, orch, &logger, line)
		}
	}
}

func handleLine(ctx context.Context, orch *peer.Orchestrator, logger *zerolog.Logger, line string) {
	switch {
	case line == "":
	case line == "/peers":
		for _, remote := range orch.Peers() {
			phase, _ := orch.Phase(remote)
			role, _ := orch.Role(remote)
			fmt.Printf("  %s %s %s\n", remote, role, phase)
		}
	case line == "/audio", line == "/video", line == "/screen":
		slot := peer.Slot(strings.TrimPrefix(line, "/"))
		if active[slot] {
			active[slot] = false
			if err := orch.SetLocalMedia(slot, nil); err != nil {
				logger.Warn().Err(err).Msg("track not removed")
			}
			return
		}
		if err := orch.AcquireMedia(ctx, sampleTracks{}, slot); err != nil {
			logger.Warn().Err(err).Msg("track not added")
			return
		}
		active[slot] = true
	default:
		if _, err := orch.SendChat(line); err != nil {
			logger.Warn().Err(err).Msg("chat not sent")
		}
	}
}

// active holds the slots toggled on from stdin. Only the input loop touches it.
var active = map[peer.Slot]bool{}

// sampleTracks hands out sample-fed local tracks. Nothing feeds them yet,
// so remote peers negotiate the slot and receive no frames.
type sampleTracks struct{}

func (sampleTracks) Acquire(_ context.Context, slot peer.Slot) (peer.Track, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if slot == peer.SlotAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	}
	return webrtc.NewTrackLocalStaticSample(codec, string(slot), "webrtc-mesh")
}

func dialTransport(
	ctx context.Context,
	logger *zerolog.Logger,
	api *client.API,
	roomID string,
	self model.Member,
) (client.Transport, error) {
	switch flagTransport {
	case transportWS:
		return client.DialWS(ctx, client.WSConfig{
			Logger:      logger,
			URL:         flagWSURL,
			RoomID:      roomID,
			UserID:      self.ID,
			DisplayName: self.DisplayName,
		})
	case transportPoll:
		return client.NewPoller(client.PollerConfig{
			API:      api,
			Logger:   logger,
			RoomID:   roomID,
			MemberID: self.ID,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", flagTransport)
	}
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- strings.TrimSpace(sc.Text())
	}
}

// loadGuestID returns the persisted guest id, creating one on first run.
func loadGuestID(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	id := identity.NewGuestID()
	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if err = os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

func defaultIDFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".webrtc-mesh-id"
	}
	return filepath.Join(dir, "webrtc-mesh", "guest-id")
}
