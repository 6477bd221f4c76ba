package core

import (
	"github.com/dkeye/voicelink/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []SessionID
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Identity      string               `json:"identity"`
}

// ChannelService is the core-facing API of a voice channel.
// It owns the membership set but never touches transport resources.
type ChannelService interface {
	Channel() *domain.Channel
	MemberCount() int
	MembersSnapshot() []MemberDTO

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID)
	Broadcast(from SessionID, data Frame) PublishResult
}

type ChannelInfo struct {
	ID          domain.ChannelID `json:"id"`
	MemberCount int              `json:"member_count"`
}

type ChannelManager interface {
	GetOrCreate(id domain.ChannelID) ChannelService
	Get(id domain.ChannelID) (ChannelService, bool)
	List() []ChannelInfo
	StopChannel(id domain.ChannelID)
}
