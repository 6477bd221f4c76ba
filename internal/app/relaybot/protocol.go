package relaybot

import (
	"strings"
	"time"
)

// Commands accepted by the relay worker on stdin.
const (
	CmdInit   = "init"
	CmdJoin   = "join"
	CmdPlay   = "play"
	CmdStop   = "stop"
	CmdLeave  = "leave"
	CmdStatus = "status"
	CmdQuit   = "quit"
)

// Message types written by the relay worker on stdout.
const (
	MsgReady           = "ready"
	MsgStatus          = "status"
	MsgProgress        = "progress"
	MsgPlaybackStarted = "playback_started"
	MsgPlaybackDone    = "playback_complete"
	MsgPlaybackStopped = "playback_stopped"
	MsgLog             = "log"
	MsgError           = "error"

	ResponseSuffix = "_response"
)

// Command is one outbound line.
type Command struct {
	Command string `json:"command"`
	AppID   string `json:"appId,omitempty"`
	Channel string `json:"channel,omitempty"`
	UID     string `json:"uid,omitempty"`
	Token   string `json:"token,omitempty"`
	File    string `json:"file,omitempty"`
}

// Message is one inbound line. Only the fields relevant to Type are set.
type Message struct {
	Type string `json:"type"`

	// <command>_response
	Success *bool `json:"success,omitempty"`

	// ready
	SDKAvailable      bool   `json:"sdk_available,omitempty"`
	ProviderAvailable bool   `json:"provider_available,omitempty"`
	MixerAvailable    bool   `json:"mixer_available,omitempty"`
	Error             string `json:"error,omitempty"`

	// status
	Status  string `json:"status,omitempty"`
	Channel string `json:"channel,omitempty"`
	UID     string `json:"uid,omitempty"`

	// progress, milliseconds
	Current int64 `json:"current,omitempty"`
	Total   int64 `json:"total,omitempty"`
	Percent int   `json:"percent,omitempty"`

	// playback_*
	File     string `json:"file,omitempty"`
	Duration int64  `json:"duration,omitempty"`

	// log, error
	Level     string  `json:"level,omitempty"`
	Message   string  `json:"message,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`

	// status_response
	IsConnected      bool   `json:"is_connected,omitempty"`
	IsPlaying        bool   `json:"is_playing,omitempty"`
	CurrentFile      string `json:"current_file,omitempty"`
	PlaybackProgress int64  `json:"playback_progress,omitempty"`
	PlaybackDuration int64  `json:"playback_duration,omitempty"`
}

func ResponseType(command string) string { return command + ResponseSuffix }

// Response builds the reply to command.
func Response(command string, ok bool) Message {
	return Message{Type: ResponseType(command), Success: &ok}
}

// OK reports a successful response.
func (m Message) OK() bool { return m.Success != nil && *m.Success }

func IsResponse(typ string) bool { return strings.HasSuffix(typ, ResponseSuffix) }

// Unix converts a fractional-second timestamp.
func Unix(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	sec := int64(ts)
	return time.Unix(sec, int64((ts-float64(sec))*float64(time.Second)))
}

// Timestamp is the inverse of Unix.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
