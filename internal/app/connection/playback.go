package connection

import (
	"context"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

func (m *Machine) activeClient(op string) (core.ProviderClient, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil || (m.status != domain.StatusConnected && m.status != domain.StatusReconnecting) {
		return nil, 0, domain.E(domain.CodeNotReady, op, "not connected", nil)
	}
	return m.client, m.gen, nil
}

func (m *Machine) loadedFile(op string) (*fileTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil, domain.E(domain.CodeValidationFailed, op, "no file loaded", nil)
	}
	return m.file, nil
}

// LoadFile replaces the file track. A previous one is unpublished and
// released before the new file is decoded.
func (m *Machine) LoadFile(ctx context.Context, path string) error {
	const op = "connection.LoadFile"
	if path == "" {
		return domain.E(domain.CodeValidationFailed, op, "file path is required", nil)
	}
	m.playMu.Lock()
	defer m.playMu.Unlock()

	client, gen, err := m.activeClient(op)
	if err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.file
	m.file = nil
	m.mu.Unlock()
	if prev != nil {
		m.stopFile(ctx, client, prev)
		prev.track.Stop()
		prev.track.Close()
		m.logf(domain.LogInfo, "unloaded %s", prev.path)
	}

	track, err := m.gw.CreateBufferTrack(ctx, path)
	if err != nil {
		m.logf(domain.LogError, "load %s failed: %v", path, err)
		return domain.E(domain.CodePlaybackFailed, op, "", err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		track.Close()
		return domain.E(domain.CodePlaybackFailed, op, "connection closed while loading", nil)
	}
	track.SetVolume(m.fileVolume)
	m.file = &fileTrack{track: track, path: path}
	m.mu.Unlock()

	m.logf(domain.LogSuccess, "loaded %s (%s)", path, track.Duration().Round(time.Millisecond))
	m.notify()
	return nil
}

func (m *Machine) Play(ctx context.Context) error {
	const op = "connection.Play"
	m.playMu.Lock()
	defer m.playMu.Unlock()

	client, gen, err := m.activeClient(op)
	if err != nil {
		return err
	}
	f, err := m.loadedFile(op)
	if err != nil {
		return err
	}
	m.mu.Lock()
	published := f.published
	m.mu.Unlock()

	if !published {
		if err := client.Publish(ctx, f.track); err != nil {
			m.logf(domain.LogError, "publish %s failed: %v", f.path, err)
			return domain.E(domain.CodePlaybackFailed, op, "", err)
		}
	}
	f.track.StartProcessing()

	m.mu.Lock()
	if m.gen != gen || m.file != f {
		m.mu.Unlock()
		return domain.E(domain.CodePlaybackFailed, op, "connection closed during play", nil)
	}
	f.published = true
	f.playing = true
	f.paused = false
	if f.pollStop == nil {
		stop := make(chan struct{})
		f.pollStop = stop
		go m.pollPlayback(gen, f, stop)
	}
	m.mu.Unlock()

	m.logf(domain.LogSuccess, "playing %s", f.path)
	m.notify()
	return nil
}

func (m *Machine) Pause() error {
	const op = "connection.Pause"
	m.playMu.Lock()
	defer m.playMu.Unlock()
	f, err := m.loadedFile(op)
	if err != nil {
		return err
	}
	m.mu.Lock()
	playing := f.playing && !f.paused
	m.mu.Unlock()
	if !playing {
		return domain.E(domain.CodeValidationFailed, op, "file is not playing", nil)
	}
	f.track.PauseProcessing()
	m.mu.Lock()
	f.paused = true
	m.mu.Unlock()
	m.logf(domain.LogInfo, "paused %s", f.path)
	m.notify()
	return nil
}

func (m *Machine) Resume() error {
	const op = "connection.Resume"
	m.playMu.Lock()
	defer m.playMu.Unlock()
	f, err := m.loadedFile(op)
	if err != nil {
		return err
	}
	m.mu.Lock()
	paused := f.playing && f.paused
	m.mu.Unlock()
	if !paused {
		return domain.E(domain.CodeValidationFailed, op, "file is not paused", nil)
	}
	f.track.ResumeProcessing()
	m.mu.Lock()
	f.paused = false
	m.mu.Unlock()
	m.logf(domain.LogInfo, "resumed %s", f.path)
	m.notify()
	return nil
}

// Stop halts playback and unpublishes the file track. The file stays loaded.
func (m *Machine) Stop(ctx context.Context) error {
	const op = "connection.Stop"
	m.playMu.Lock()
	defer m.playMu.Unlock()
	f, err := m.loadedFile(op)
	if err != nil {
		return err
	}
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	m.stopFile(ctx, client, f)
	m.logf(domain.LogInfo, "stopped %s", f.path)
	m.notify()
	return nil
}

// stopFile must be called with playMu held.
func (m *Machine) stopFile(ctx context.Context, client core.ProviderClient, f *fileTrack) {
	m.mu.Lock()
	stop := f.pollStop
	f.pollStop = nil
	published := f.published
	f.published = false
	f.playing = false
	f.paused = false
	f.position = 0
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	f.track.StopProcessing()
	if published && client != nil {
		if err := client.Unpublish(ctx, f.track); err != nil {
			m.logf(domain.LogWarning, "unpublish %s failed: %v", f.path, err)
		}
	}
}

func (m *Machine) Seek(pos time.Duration) error {
	const op = "connection.Seek"
	m.playMu.Lock()
	defer m.playMu.Unlock()
	f, err := m.loadedFile(op)
	if err != nil {
		return err
	}
	if pos < 0 || pos > f.track.Duration() {
		return domain.E(domain.CodeValidationFailed, op, "position outside the file", nil)
	}
	f.track.Seek(pos)
	m.mu.Lock()
	f.position = pos
	m.mu.Unlock()
	m.notify()
	return nil
}

// SetFileVolume takes 0..200 and applies to the current and future files.
func (m *Machine) SetFileVolume(level int) error {
	const op = "connection.SetFileVolume"
	if level < 0 || level > 200 {
		return domain.E(domain.CodeValidationFailed, op, "volume must be within 0..200", nil)
	}
	m.mu.Lock()
	m.fileVolume = level
	f := m.file
	m.mu.Unlock()
	if f != nil {
		f.track.SetVolume(level)
	}
	m.notify()
	return nil
}

// pollPlayback mirrors the position and stops playback at the end of the
// file; buffer tracks have no reliable ended callback.
func (m *Machine) pollPlayback(gen uint64, f *fileTrack, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.PlaybackPoll)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		pos, dur := f.track.CurrentTime(), f.track.Duration()
		if !m.update(gen, func() {
			if m.file == f {
				f.position = pos
			}
		}) {
			return
		}
		if dur > 0 && pos >= dur {
			m.finishPlayback(gen, f)
			return
		}
	}
}

func (m *Machine) finishPlayback(gen uint64, f *fileTrack) {
	m.playMu.Lock()
	defer m.playMu.Unlock()
	m.mu.Lock()
	if m.gen != gen || m.file != f || !f.playing {
		m.mu.Unlock()
		return
	}
	client := m.client
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	m.stopFile(ctx, client, f)
	m.logf(domain.LogInfo, "finished playing %s", f.path)
	m.notify()
}
