package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/rs/zerolog/log"
)

// GatewayConfig points the client gateway at a signaling endpoint.
type GatewayConfig struct {
	// SignalURL is the ws:// or wss:// address of the signaling endpoint.
	SignalURL string
	ICEURLs   []string
	// Microphone yields raw s16le 8 kHz mono audio, nil means silence.
	Microphone io.Reader
	// PingInterval drives the network quality probe.
	PingInterval time.Duration
}

// Gateway implements core.Gateway over the websocket signaling protocol
// and a pion peer connection.
type Gateway struct {
	cfg    GatewayConfig
	target *url.URL
	ready  atomic.Bool
}

var _ core.Gateway = (*Gateway)(nil)

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	u, err := url.Parse(cfg.SignalURL)
	if err != nil {
		return nil, fmt.Errorf("parse signal url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("signal url must be ws:// or wss://, got %q", cfg.SignalURL)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 2 * time.Second
	}
	return &Gateway{cfg: cfg, target: u}, nil
}

// Load probes the signaling host until it accepts a TCP connection or ctx ends.
// Ready reports true afterwards.
func (g *Gateway) Load(ctx context.Context) error {
	host := g.target.Host
	if g.target.Port() == "" {
		port := "80"
		if g.target.Scheme == "wss" {
			port = "443"
		}
		host = net.JoinHostPort(g.target.Hostname(), port)
	}
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", host)
		if err == nil {
			_ = conn.Close()
			g.ready.Store(true)
			log.Info().Str("module", "rtc.gateway").Str("host", host).Msg("provider reachable")
			return nil
		}
		log.Debug().Err(err).Str("module", "rtc.gateway").Msg("provider probe failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (g *Gateway) Ready() bool { return g.ready.Load() }

func (g *Gateway) CreateClient() (core.ProviderClient, error) {
	if !g.Ready() {
		return nil, errors.New("provider not loaded")
	}
	return newClient(g.cfg), nil
}

func (g *Gateway) CreateMicrophoneTrack(ctx context.Context) (core.MicrophoneTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newMicTrack(g.cfg.Microphone)
}

func (g *Gateway) CreateBufferTrack(ctx context.Context, path string) (core.BufferTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pcm, err := decodeWAVFile(path)
	if err != nil {
		return nil, err
	}
	return newBufferTrack(pcm)
}
