package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// recorder keeps the order of provider side effects across fakes.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(c string) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) index(c string) int {
	for i, got := range r.list() {
		if got == c {
			return i
		}
	}
	return -1
}

type fakeGateway struct {
	rec *recorder

	mu           sync.Mutex
	ready        bool
	joinErr      error
	clients      []*fakeClient
	mics         []*fakeTrack
	files        []*fakeTrack
	fileDuration time.Duration
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{rec: &recorder{}, ready: true, fileDuration: 10 * time.Second}
}

func (g *fakeGateway) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

func (g *fakeGateway) setReady(v bool) {
	g.mu.Lock()
	g.ready = v
	g.mu.Unlock()
}

func (g *fakeGateway) CreateClient() (core.ProviderClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := &fakeClient{
		rec:       g.rec,
		pid:       "self",
		joinErr:   g.joinErr,
		handlers:  make(map[core.EventKind]map[int]core.EventHandler),
		published: make(map[*fakeTrack]bool),
		remotes:   make(map[domain.ParticipantID]*fakeRemote),
	}
	g.clients = append(g.clients, c)
	return c, nil
}

func (g *fakeGateway) lastClient() *fakeClient {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clients[len(g.clients)-1]
}

func (g *fakeGateway) CreateMicrophoneTrack(context.Context) (core.MicrophoneTrack, error) {
	t := &fakeTrack{kind: "mic", rec: g.rec, enabled: true, volume: 100}
	g.mu.Lock()
	g.mics = append(g.mics, t)
	g.mu.Unlock()
	return t, nil
}

func (g *fakeGateway) CreateBufferTrack(_ context.Context, path string) (core.BufferTrack, error) {
	if path == "missing.wav" {
		return nil, errors.New("open missing.wav: no such file")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	t := &fakeTrack{kind: "file:" + path, rec: g.rec, enabled: true, volume: 100, dur: g.fileDuration}
	g.files = append(g.files, t)
	return t, nil
}

type fakeClient struct {
	rec *recorder

	mu            sync.Mutex
	pid           domain.ParticipantID
	joinErr       error
	handlers      map[core.EventKind]map[int]core.EventHandler
	next          int
	published     map[*fakeTrack]bool
	maxFilesLive  int
	remotes       map[domain.ParticipantID]*fakeRemote
	subscribeErrs map[domain.ParticipantID]error
}

func (c *fakeClient) Join(context.Context, string, domain.ChannelID, string, string) (domain.ParticipantID, error) {
	c.rec.add("join")
	if c.joinErr != nil {
		return "", c.joinErr
	}
	return c.pid, nil
}

func (c *fakeClient) Leave(context.Context) error {
	c.rec.add("leave")
	return nil
}

func (c *fakeClient) Publish(_ context.Context, tracks ...core.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tracks {
		ft := t.(*fakeTrack)
		c.published[ft] = true
		c.rec.add("publish:" + ft.kind)
	}
	files := 0
	for t := range c.published {
		if t.kind != "mic" {
			files++
		}
	}
	c.maxFilesLive = max(c.maxFilesLive, files)
	return nil
}

func (c *fakeClient) Unpublish(_ context.Context, tracks ...core.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tracks {
		ft := t.(*fakeTrack)
		if c.published[ft] {
			delete(c.published, ft)
			c.rec.add("unpublish:" + ft.kind)
		}
	}
	return nil
}

func (c *fakeClient) isPublished(t *fakeTrack) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[t]
}

func (c *fakeClient) Subscribe(_ context.Context, id domain.ParticipantID, _ core.MediaType) (core.RemoteTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.subscribeErrs[id]; err != nil {
		return nil, err
	}
	r := &fakeRemote{id: id}
	c.remotes[id] = r
	return r, nil
}

func (c *fakeClient) Unsubscribe(context.Context, domain.ParticipantID) error { return nil }

func (c *fakeClient) remote(id domain.ParticipantID) *fakeRemote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remotes[id]
}

func (c *fakeClient) On(kind core.EventKind, h core.EventHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	if c.handlers[kind] == nil {
		c.handlers[kind] = make(map[int]core.EventHandler)
	}
	c.handlers[kind][id] = h
	return func() {
		c.mu.Lock()
		delete(c.handlers[kind], id)
		c.mu.Unlock()
	}
}

func (c *fakeClient) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}

func (c *fakeClient) emit(ev core.Event) {
	c.mu.Lock()
	hs := make([]core.EventHandler, 0)
	for _, h := range c.handlers[ev.Kind] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (c *fakeClient) connect() {
	c.emit(core.Event{Kind: core.EventConnectionStateChange, State: core.ProviderConnected, PrevState: core.ProviderConnecting})
}

type fakeTrack struct {
	kind string
	rec  *recorder

	mu         sync.Mutex
	enabled    bool
	volume     int
	level      float64
	closed     bool
	processing bool
	paused     bool
	pos, dur   time.Duration
}

func (t *fakeTrack) SetEnabled(v bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("track closed")
	}
	t.enabled = v
	return nil
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetVolume(v int) {
	t.mu.Lock()
	t.volume = v
	t.mu.Unlock()
}

func (t *fakeTrack) VolumeLevel() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

func (t *fakeTrack) setLevel(v float64) {
	t.mu.Lock()
	t.level = v
	t.mu.Unlock()
}

func (t *fakeTrack) Play() {}
func (t *fakeTrack) Stop() {}

func (t *fakeTrack) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.rec.add("close:" + t.kind)
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTrack) StartProcessing() {
	t.mu.Lock()
	t.processing, t.paused = true, false
	t.mu.Unlock()
}

func (t *fakeTrack) PauseProcessing() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

func (t *fakeTrack) ResumeProcessing() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
}

func (t *fakeTrack) StopProcessing() {
	t.mu.Lock()
	t.processing, t.paused, t.pos = false, false, 0
	t.mu.Unlock()
}

func (t *fakeTrack) Seek(d time.Duration) {
	t.mu.Lock()
	t.pos = d
	t.mu.Unlock()
}

func (t *fakeTrack) CurrentTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

func (t *fakeTrack) Duration() time.Duration { return t.dur }

type fakeRemote struct {
	id domain.ParticipantID

	mu    sync.Mutex
	level float64
}

func (r *fakeRemote) Participant() domain.ParticipantID { return r.id }

func (r *fakeRemote) VolumeLevel() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

func (r *fakeRemote) setLevel(v float64) {
	r.mu.Lock()
	r.level = v
	r.mu.Unlock()
}

func (r *fakeRemote) Play() {}
func (r *fakeRemote) Stop() {}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}
