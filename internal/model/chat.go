package model

// Participant: собеседник в личном чате (бренд или креатор).
type Participant struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

type Conversation struct {
	RoomID           string      `json:"roomId"`
	OtherParticipant Participant `json:"otherParticipant"`
	LastMessage      *Message    `json:"lastMessage,omitempty"`
	CampaignTitle    string      `json:"campaignTitle,omitempty"`
	UnreadCount      int         `json:"unreadCount"`
}

func (c Conversation) Clone() Conversation {
	out := c
	if c.LastMessage != nil {
		m := c.LastMessage.Clone()
		out.LastMessage = &m
	}
	return out
}
