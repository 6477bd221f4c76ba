package domain

type ChannelID string

type Channel struct {
	ID ChannelID
}
