package domain

// ConnectionStatus is the single canonical state of a client connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

// ParticipantID is the provider-assigned id of a peer.
type ParticipantID string

type RemoteParticipant struct {
	ID         ParticipantID `json:"id"`
	HasAudio   bool          `json:"hasAudio"`
	IsSpeaking bool          `json:"isSpeaking"`
	AudioLevel float64       `json:"audioLevel"`
}

// NetworkQuality ratings follow the 0 (unknown) .. 6 (down) scale.
type NetworkQuality struct {
	Uplink   int `json:"uplink"`
	Downlink int `json:"downlink"`
}
