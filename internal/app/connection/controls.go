package connection

import (
	"context"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// ToggleMute flips the microphone and returns the new muted flag.
func (m *Machine) ToggleMute() (bool, error) {
	const op = "connection.ToggleMute"
	m.mu.Lock()
	mic := m.mic
	enable := m.muted
	m.mu.Unlock()
	if mic == nil {
		return true, domain.E(domain.CodeNotReady, op, "no microphone track", nil)
	}
	if err := mic.SetEnabled(enable); err != nil {
		m.logf(domain.LogError, "toggle microphone failed: %v", err)
		return !enable, domain.E(domain.CodeInternal, op, "", err)
	}
	m.mu.Lock()
	if m.mic == mic {
		m.muted = !enable
	}
	muted := m.muted
	m.mu.Unlock()
	if muted {
		m.logf(domain.LogInfo, "microphone muted")
	} else {
		m.logf(domain.LogInfo, "microphone unmuted")
	}
	m.notify()
	return muted, nil
}

// SetMicrophoneVolume takes 0..200, 100 is unity gain.
func (m *Machine) SetMicrophoneVolume(level int) error {
	const op = "connection.SetMicrophoneVolume"
	if level < 0 || level > 200 {
		return domain.E(domain.CodeValidationFailed, op, "volume must be within 0..200", nil)
	}
	m.mu.Lock()
	m.micVolume = level
	mic := m.mic
	m.mu.Unlock()
	if mic != nil {
		mic.SetVolume(level)
	}
	m.notify()
	return nil
}

// WaitReady polls gw every interval, at most attempts times.
func WaitReady(ctx context.Context, gw core.Gateway, interval time.Duration, attempts int) error {
	const op = "connection.WaitReady"
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; i < attempts; i++ {
		if gw.Ready() {
			return nil
		}
		select {
		case <-ctx.Done():
			return domain.E(domain.CodeNotReady, op, "cancelled waiting for provider", ctx.Err())
		case <-ticker.C:
		}
	}
	if gw.Ready() {
		return nil
	}
	return domain.E(domain.CodeNotReady, op, "provider did not load in time", nil)
}
