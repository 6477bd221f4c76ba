package core

import (
	"context"
	"time"

	"github.com/dkeye/voicelink/internal/domain"
)

// EventKind names the asynchronous notifications a provider client emits.
type EventKind string

const (
	EventUserPublished         EventKind = "user-published"
	EventUserUnpublished       EventKind = "user-unpublished"
	EventUserJoined            EventKind = "user-joined"
	EventUserLeft              EventKind = "user-left"
	EventConnectionStateChange EventKind = "connection-state-change"
	EventTokenWillExpire       EventKind = "token-privilege-will-expire"
	EventTokenDidExpire        EventKind = "token-privilege-did-expire"
	EventNetworkQuality        EventKind = "network-quality"
	EventException             EventKind = "exception"
)

// ProviderState is the transport-level connection state reported by the provider.
type ProviderState string

const (
	ProviderDisconnected  ProviderState = "DISCONNECTED"
	ProviderConnecting    ProviderState = "CONNECTING"
	ProviderConnected     ProviderState = "CONNECTED"
	ProviderReconnecting  ProviderState = "RECONNECTING"
	ProviderDisconnecting ProviderState = "DISCONNECTING"
)

// ReasonLeave marks a disconnection the local user asked for.
const ReasonLeave = "LEAVE"

type MediaType string

const MediaAudio MediaType = "audio"

type Event struct {
	Kind        EventKind
	Participant domain.ParticipantID
	Media       MediaType
	State       ProviderState
	PrevState   ProviderState
	Reason      string
	Quality     domain.NetworkQuality
	Err         error
}

type EventHandler func(Event)

// Gateway is the capability boundary over the real-time audio provider.
type Gateway interface {
	// Ready reports whether the provider capability finished loading.
	Ready() bool
	CreateClient() (ProviderClient, error)
	CreateMicrophoneTrack(ctx context.Context) (MicrophoneTrack, error)
	CreateBufferTrack(ctx context.Context, path string) (BufferTrack, error)
}

// ProviderClient is one connection handle to a channel.
type ProviderClient interface {
	Join(ctx context.Context, appID string, channel domain.ChannelID, token, identity string) (domain.ParticipantID, error)
	Leave(ctx context.Context) error
	Publish(ctx context.Context, tracks ...LocalTrack) error
	Unpublish(ctx context.Context, tracks ...LocalTrack) error
	Subscribe(ctx context.Context, id domain.ParticipantID, media MediaType) (RemoteTrack, error)
	Unsubscribe(ctx context.Context, id domain.ParticipantID) error
	// On registers h for kind and returns the function that removes it.
	On(kind EventKind, h EventHandler) (off func())
}

type LocalTrack interface {
	SetEnabled(enabled bool) error
	Enabled() bool
	// SetVolume takes 0..200, 100 is unity gain.
	SetVolume(level int)
	// VolumeLevel is the current signal level in 0..1.
	VolumeLevel() float64
	Play()
	Stop()
	Close()
}

type MicrophoneTrack interface {
	LocalTrack
}

// BufferTrack is a file-sourced track with its own processing clock.
type BufferTrack interface {
	LocalTrack
	StartProcessing()
	PauseProcessing()
	ResumeProcessing()
	StopProcessing()
	Seek(pos time.Duration)
	CurrentTime() time.Duration
	Duration() time.Duration
}

type RemoteTrack interface {
	Participant() domain.ParticipantID
	VolumeLevel() float64
	Play()
	Stop()
}
