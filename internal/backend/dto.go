package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/creatorchat/internal/model"
)

// roomID accepts "roomId": "abc" as well as "roomId": 42.
type roomID string

func (r *roomID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = roomID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return errors.New("roomId: not a string or integer")
	}
	*r = roomID(n.String())
	return nil
}

type conversationDTO struct {
	RoomID           roomID             `json:"roomId"`
	OtherParticipant model.Participant  `json:"otherParticipant"`
	LastMessage      *model.WireMessage `json:"lastMessage"`
	CampaignTitle    string             `json:"campaignTitle"`
	UnreadCount      int                `json:"unreadCount"`
}

func (d conversationDTO) conversation(userID int64) model.Conversation {
	c := model.Conversation{
		RoomID:           string(d.RoomID),
		OtherParticipant: d.OtherParticipant,
		CampaignTitle:    d.CampaignTitle,
		UnreadCount:      d.UnreadCount,
	}
	if d.LastMessage != nil && d.LastMessage.Validate() == nil {
		m := d.LastMessage.ToMessage(c.RoomID, userID)
		c.LastMessage = &m
	}
	return c
}

// unwrapList decodes a bare array or one wrapped as {"data": [...]} / {"messages": [...]}.
func unwrapList(raw json.RawMessage, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '[' {
		return json.Unmarshal(raw, out)
	}
	var env struct {
		Data     json.RawMessage `json:"data"`
		Messages json.RawMessage `json:"messages"`
		Chats    json.RawMessage `json:"chats"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	for _, inner := range []json.RawMessage{env.Data, env.Messages, env.Chats} {
		if len(inner) > 0 && inner[0] == '[' {
			return json.Unmarshal(inner, out)
		}
	}
	return errors.New("unexpected list payload")
}
