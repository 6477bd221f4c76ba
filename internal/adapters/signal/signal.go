package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/orch"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// TokenVerifier checks a channel token and returns its expiry.
type TokenVerifier interface {
	Verify(token string, channel domain.ChannelID, identity string) (time.Time, error)
}

type Options struct {
	AppID string
	// nil disables token checks
	Verifier       TokenVerifier
	ICE            webrtc.Configuration
	JoinLimiter    *app.RateLimiter
	WillExpireLead time.Duration
	ReadLimit      int64
	PingPeriod     time.Duration
	Metrics        *metrics.Metrics
}

// SignalWSController serves the channel signaling websocket. One instance
// serves every connection.
type SignalWSController struct {
	Orch *orch.Orchestrator
	opts Options

	negMu sync.Mutex
	neg   map[core.SessionID]*negotiation

	timerMu     sync.Mutex
	tokenTimers map[core.SessionID][]*time.Timer
}

type negotiation struct {
	inFlight bool
	pending  bool
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	if opts.WillExpireLead <= 0 {
		opts.WillExpireLead = 30 * time.Second
	}
	ctl := &SignalWSController{
		Orch:        o,
		opts:        opts,
		neg:         make(map[core.SessionID]*negotiation),
		tokenTimers: make(map[core.SessionID][]*time.Timer),
	}
	o.Notifier = ctl
	return ctl
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.opts.ReadLimit)
	}
	ctl.opts.Metrics.SignalOpened()

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	user := ctl.Orch.Registry.GetOrCreateUser(sid)
	sess := core.NewMemberSession(domain.NewMember(user)).UpdateSignal(conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, sess, func() {
		cancel()
		conn.Close()
	})

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sid, conn)
}

// disconnect runs when the websocket goes away for any reason.
func (ctl *SignalWSController) disconnect(sid core.SessionID) {
	ctl.leave(sid, "disconnected")
	ctl.negMu.Lock()
	delete(ctl.neg, sid)
	ctl.negMu.Unlock()
	if ctl.opts.JoinLimiter != nil {
		ctl.opts.JoinLimiter.Forget(string(sid))
	}
	ctl.Orch.Registry.Unbind(sid)
	ctl.opts.Metrics.SignalClosed()
}
