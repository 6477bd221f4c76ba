package app

import "github.com/dkeye/voicelink/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose signaling queue is full.
type Policy interface {
	OnBackPressure(ch core.ChannelService, sid core.SessionID) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.ChannelService, core.SessionID) BackpressureAction {
	return KickMember
}
