// Command connector joins a voice channel from the terminal. It takes a
// session from the server, keeps it alive with heartbeats and reads line
// commands from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/adapters/rtc"
	"github.com/dkeye/voicelink/internal/adapters/sessionapi"
	"github.com/dkeye/voicelink/internal/app/connection"
	"github.com/dkeye/voicelink/internal/app/heartbeat"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/domain"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	var (
		server   = flag.String("server", fmt.Sprintf("http://127.0.0.1:%d", cfg.Port), "session API base URL")
		signalTo = flag.String("signal", cfg.Bot.SignalURL, "signaling websocket URL")
		channel  = flag.String("channel", "", "channel to join")
		identity = flag.String("identity", "", "identity, empty uses the server default")
		appID    = flag.String("app", cfg.AppID, "application id")
		token    = flag.String("token", "", "channel token, fetched from the server when empty")
		mic      = flag.String("mic", "", "raw s16le 8kHz mono file used as the microphone")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if *channel == "" {
		fmt.Fprintln(os.Stderr, "connector: -channel is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var micSrc io.Reader
	if *mic != "" {
		f, err := os.Open(*mic)
		if err != nil {
			log.Fatal().Err(err).Msg("open microphone source")
		}
		defer f.Close()
		micSrc = f
	}

	api := sessionapi.New(*server, nil)
	created, err := api.Create(ctx, domain.ChannelID(*channel), *identity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connector: %s\n", describe(err))
		os.Exit(1)
	}
	fmt.Printf("session %s, %s left, %d of %d connections remaining today\n",
		created.SessionID, created.Remaining().Round(time.Second),
		created.Limits.RemainingConnections, created.Limits.MaxConnectionsPerDay)

	who := *identity
	if who == "" {
		who = cfg.DefaultIdentity
	}
	tok := *token
	if tok == "" {
		tok, err = api.Token(ctx, domain.ChannelID(*channel), who)
		if err != nil && !domain.IsCode(err, domain.CodeNotReady) {
			log.Warn().Err(err).Str("module", "connector").Msg("token request failed, joining without one")
		}
	}

	gw, err := rtc.NewGateway(rtc.GatewayConfig{SignalURL: *signalTo, ICEURLs: cfg.ICEServers, Microphone: micSrc})
	if err != nil {
		endAndExit(api, created.SessionID, err)
	}
	go func() {
		if err := gw.Load(ctx); err != nil {
			log.Debug().Err(err).Str("module", "connector").Msg("gateway load")
		}
	}()
	if err := connection.WaitReady(ctx, gw, 100*time.Millisecond, 50); err != nil {
		endAndExit(api, created.SessionID, err)
	}

	m := connection.New(gw, connection.Options{})
	var (
		statusMu sync.Mutex
		last     = domain.StatusDisconnected
	)
	stopObserving := m.Observe(func(s connection.State) {
		statusMu.Lock()
		defer statusMu.Unlock()
		if s.Status != last {
			last = s.Status
			fmt.Printf("status: %s\n", s.Status)
		}
	})
	defer stopObserving()

	expired := make(chan string, 1)
	hb := heartbeat.New(api, m, heartbeat.Options{
		OnExpired: func(notice string) {
			select {
			case expired <- notice:
			default:
			}
		},
	})

	if _, err := m.Join(ctx, *appID, domain.ChannelID(*channel), tok, who); err != nil {
		endAndExit(api, created.SessionID, err)
	}
	hb.Start(created.SessionID, created.Remaining())
	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			hb.Teardown(3 * time.Second)
			return
		case notice := <-expired:
			fmt.Println(notice)
			return
		case line, ok := <-lines:
			if !ok {
				leave(m, hb)
				return
			}
			c, err := parseCommand(line)
			if err != nil {
				fmt.Println(err)
				continue
			}
			done, err := apply(ctx, m, c, os.Stdout)
			if err != nil {
				fmt.Printf("%s failed: %s\n", c.name, describe(err))
			}
			if done {
				leave(m, hb)
				return
			}
		}
	}
}

// leave is the orderly exit: provider leave, then the session end request.
func leave(m *connection.Machine, hb *heartbeat.Coordinator) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Leave(ctx); err != nil {
		log.Warn().Err(err).Str("module", "connector").Msg("leave")
	}
	if err := hb.Stop(ctx); err != nil {
		log.Warn().Err(err).Str("module", "connector").Msg("end session")
	}
	fmt.Println("left")
}

func endAndExit(api *sessionapi.Client, sessionID string, err error) {
	fmt.Fprintf(os.Stderr, "connector: %s\n", describe(err))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := api.End(ctx, sessionID); err != nil {
		log.Debug().Err(err).Str("module", "connector").Msg("end session")
	}
	os.Exit(1)
}
