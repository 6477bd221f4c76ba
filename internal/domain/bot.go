package domain

type BotCapabilities struct {
	SDKAvailable      bool `json:"sdkAvailable"`
	ProviderAvailable bool `json:"providerAvailable"`
	MixerAvailable    bool `json:"mixerAvailable"`
}

type BotStatus struct {
	Connected     bool   `json:"connected"`
	Playing       bool   `json:"playing"`
	Channel       string `json:"channel,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	CurrentFile   string `json:"currentFile,omitempty"`
	// milliseconds
	Progress int64 `json:"progress"`
	Duration int64 `json:"duration"`
}

// BotProcessHandle is the supervisor's view of the single relay worker.
type BotProcessHandle struct {
	PID          int             `json:"pid,omitempty"`
	Running      bool            `json:"running"`
	Ready        bool            `json:"ready"`
	Capabilities BotCapabilities `json:"capabilities"`
	LastError    string          `json:"lastError,omitempty"`
	Status       BotStatus       `json:"status"`
}
