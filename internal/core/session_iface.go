package core

import "github.com/dkeye/voicelink/internal/domain"

type SessionID string

// MemberSession binds domain.Member and its transport endpoints.
// This is what a channel stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	Media() MediaConnection
	UpdateSignal(SignalConnection) MemberSession
	UpdateMedia(MediaConnection) MemberSession
}
