package rtc

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var ErrTrackClosed = errors.New("track closed")

// localTrack is implemented by every track this gateway can publish.
type localTrack interface {
	rtpTrack() *webrtc.TrackLocalStaticSample
}

// pcmTrack turns 20 ms PCM frames into PCMU samples and keeps the level meter.
type pcmTrack struct {
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	volume  atomic.Int32
	level   atomic.Uint64
	monitor atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

func newPCMTrack(kind string) (*pcmTrack, error) {
	id := kind + "-" + uuid.NewString()[:8]
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: sampleRate, Channels: 1},
		id,
		"local",
	)
	if err != nil {
		return nil, err
	}
	t := &pcmTrack{local: local, done: make(chan struct{})}
	t.enabled.Store(true)
	t.volume.Store(100)
	return t, nil
}

func (t *pcmTrack) rtpTrack() *webrtc.TrackLocalStaticSample { return t.local }

func (t *pcmTrack) SetEnabled(enabled bool) error {
	select {
	case <-t.done:
		return ErrTrackClosed
	default:
	}
	t.enabled.Store(enabled)
	return nil
}

func (t *pcmTrack) Enabled() bool { return t.enabled.Load() }

func (t *pcmTrack) SetVolume(level int) {
	t.volume.Store(int32(min(max(level, 0), 200)))
}

func (t *pcmTrack) VolumeLevel() float64 {
	return math.Float64frombits(t.level.Load())
}

// Play and Stop toggle local monitoring; there is no local output device.
func (t *pcmTrack) Play() { t.monitor.Store(true) }
func (t *pcmTrack) Stop() { t.monitor.Store(false) }

func (t *pcmTrack) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *pcmTrack) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// writeFrame sends one frame, muted tracks send silence and report level 0.
func (t *pcmTrack) writeFrame(pcm []int16) {
	if !t.enabled.Load() {
		pcm = make([]int16, len(pcm))
	} else {
		applyGain(pcm, int(t.volume.Load()))
	}
	t.level.Store(math.Float64bits(rmsLevel(pcm)))
	if err := t.local.WriteSample(media.Sample{Data: encodeUlaw(pcm), Duration: frameDuration}); err != nil {
		log.Debug().Err(err).Str("module", "rtc.track").Msg("write sample")
	}
}

// micTrack paces frames from a raw s16le 8 kHz mono source. A nil or
// exhausted source produces silence.
type micTrack struct {
	*pcmTrack
	src io.Reader
}

func newMicTrack(src io.Reader) (*micTrack, error) {
	base, err := newPCMTrack("mic")
	if err != nil {
		return nil, err
	}
	m := &micTrack{pcmTrack: base, src: src}
	go m.capture()
	return m, nil
}

func (m *micTrack) capture() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	raw := make([]byte, samplesPerFrame*2)
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		pcm := make([]int16, samplesPerFrame)
		if m.src != nil {
			if _, err := io.ReadFull(m.src, raw); err != nil {
				log.Info().Err(err).Str("module", "rtc.track").Msg("microphone source ended, sending silence")
				m.src = nil
			} else {
				for i := range pcm {
					pcm[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
				}
			}
		}
		m.writeFrame(pcm)
	}
}

// bufferTrack plays a decoded file with its own processing clock.
type bufferTrack struct {
	*pcmTrack
	pcm []int16

	mu         sync.Mutex
	pos        int
	processing bool
	paused     bool
}

func newBufferTrack(pcm []int16) (*bufferTrack, error) {
	base, err := newPCMTrack("file")
	if err != nil {
		return nil, err
	}
	b := &bufferTrack{pcmTrack: base, pcm: pcm}
	go b.run()
	return b, nil
}

func (b *bufferTrack) run() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		}
		if frame := b.nextFrame(); frame != nil {
			b.writeFrame(frame)
		}
	}
}

func (b *bufferTrack) nextFrame() []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.processing || b.paused || b.pos >= len(b.pcm) {
		return nil
	}
	end := min(b.pos+samplesPerFrame, len(b.pcm))
	frame := make([]int16, samplesPerFrame)
	copy(frame, b.pcm[b.pos:end])
	b.pos = end
	return frame
}

func (b *bufferTrack) StartProcessing() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos >= len(b.pcm) {
		b.pos = 0
	}
	b.processing = true
	b.paused = false
}

func (b *bufferTrack) PauseProcessing() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

func (b *bufferTrack) ResumeProcessing() {
	b.mu.Lock()
	b.paused = false
	b.mu.Unlock()
}

func (b *bufferTrack) StopProcessing() {
	b.mu.Lock()
	b.processing = false
	b.paused = false
	b.pos = 0
	b.mu.Unlock()
	b.level.Store(0)
}

func (b *bufferTrack) Seek(pos time.Duration) {
	idx := int(pos.Seconds() * sampleRate)
	b.mu.Lock()
	b.pos = min(max(idx, 0), len(b.pcm))
	b.mu.Unlock()
}

func (b *bufferTrack) CurrentTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return samplesToDuration(b.pos)
}

func (b *bufferTrack) Duration() time.Duration {
	return samplesToDuration(len(b.pcm))
}

func samplesToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / sampleRate
}
