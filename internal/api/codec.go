package api

import (
	"fmt"

	"github.com/matheus3301/parley/internal/store"
	"google.golang.org/protobuf/types/known/structpb"
)

// StatusInfo is the reply of Status.
type StatusInfo struct {
	Account     string `json:"account"`
	Participant string `json:"participant"`
	Online      bool   `json:"online"`
	Pending     int    `json:"pending"`
	State       string `json:"state"`
	OpenChats   int    `json:"open_chats"`
}

// Event is one item of the Watch stream. Fields not relevant to Kind are
// left empty.
type Event struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	ChatID    string `json:"chat_id,omitempty"`
	Peer      string `json:"participant,omitempty"`
	MessageID string `json:"msg_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Online    bool   `json:"online,omitempty"`
	Pending   int    `json:"pending,omitempty"`
	State     string `json:"state,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Conversation is the reply of Open and Messages.
type Conversation struct {
	ChatID   string          `json:"chat_id"`
	Messages []store.Message `json:"messages"`
}

// Str returns the string field key of s, or "".
func Str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func num(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

func boolean(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

// NewRequest builds a request Struct from string fields given as key,
// value pairs.
func NewRequest(kv ...string) *structpb.Struct {
	fields := make(map[string]*structpb.Value, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = structpb.NewStringValue(kv[i+1])
	}
	return &structpb.Struct{Fields: fields}
}

func messageValue(m store.Message) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"id":        structpb.NewStringValue(m.ID),
		"text":      structpb.NewStringValue(m.Text),
		"sender":    structpb.NewStringValue(m.Sender),
		"timestamp": structpb.NewNumberValue(float64(m.Timestamp)),
		"status":    structpb.NewStringValue(string(m.Status)),
	}})
}

// EncodeMessage converts m to its wire form.
func EncodeMessage(m store.Message) *structpb.Struct {
	return messageValue(m).GetStructValue()
}

// DecodeMessage converts the wire form back to a message.
func DecodeMessage(s *structpb.Struct) (store.Message, error) {
	m := store.Message{
		ID:        Str(s, "id"),
		Text:      Str(s, "text"),
		Sender:    Str(s, "sender"),
		Timestamp: num(s, "timestamp"),
		Status:    store.Status(Str(s, "status")),
	}
	if m.ID == "" {
		return m, fmt.Errorf("message without id")
	}
	if !m.Status.Valid() {
		return m, fmt.Errorf("message %s: unknown status %q", m.ID, m.Status)
	}
	return m, nil
}

// EncodeConversation converts c to its wire form.
func EncodeConversation(c Conversation) *structpb.Struct {
	values := make([]*structpb.Value, len(c.Messages))
	for i, m := range c.Messages {
		values[i] = messageValue(m)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"chat_id":  structpb.NewStringValue(c.ChatID),
		"messages": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

// DecodeConversation converts the wire form back to a conversation.
func DecodeConversation(s *structpb.Struct) (Conversation, error) {
	c := Conversation{ChatID: Str(s, "chat_id")}
	for _, v := range s.GetFields()["messages"].GetListValue().GetValues() {
		m, err := DecodeMessage(v.GetStructValue())
		if err != nil {
			return c, err
		}
		c.Messages = append(c.Messages, m)
	}
	return c, nil
}

// EncodeStatus converts st to its wire form.
func EncodeStatus(st StatusInfo) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"account":     structpb.NewStringValue(st.Account),
		"participant": structpb.NewStringValue(st.Participant),
		"online":      structpb.NewBoolValue(st.Online),
		"pending":     structpb.NewNumberValue(float64(st.Pending)),
		"state":       structpb.NewStringValue(st.State),
		"open_chats":  structpb.NewNumberValue(float64(st.OpenChats)),
	}}
}

// DecodeStatus converts the wire form back to StatusInfo.
func DecodeStatus(s *structpb.Struct) StatusInfo {
	return StatusInfo{
		Account:     Str(s, "account"),
		Participant: Str(s, "participant"),
		Online:      boolean(s, "online"),
		Pending:     int(num(s, "pending")),
		State:       Str(s, "state"),
		OpenChats:   int(num(s, "open_chats")),
	}
}

// EncodeEvent converts e to its wire form.
func EncodeEvent(e Event) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":          structpb.NewStringValue(e.ID),
		"kind":        structpb.NewStringValue(e.Kind),
		"timestamp":   structpb.NewNumberValue(float64(e.Timestamp)),
		"chat_id":     structpb.NewStringValue(e.ChatID),
		"participant": structpb.NewStringValue(e.Peer),
		"msg_id":      structpb.NewStringValue(e.MessageID),
		"status":      structpb.NewStringValue(e.Status),
		"online":      structpb.NewBoolValue(e.Online),
		"pending":     structpb.NewNumberValue(float64(e.Pending)),
		"state":       structpb.NewStringValue(e.State),
		"error":       structpb.NewStringValue(e.Error),
	}}
}

// DecodeEvent converts the wire form back to an Event.
func DecodeEvent(s *structpb.Struct) Event {
	return Event{
		ID:        Str(s, "id"),
		Kind:      Str(s, "kind"),
		Timestamp: num(s, "timestamp"),
		ChatID:    Str(s, "chat_id"),
		Peer:      Str(s, "participant"),
		MessageID: Str(s, "msg_id"),
		Status:    Str(s, "status"),
		Online:    boolean(s, "online"),
		Pending:   int(num(s, "pending")),
		State:     Str(s, "state"),
		Error:     Str(s, "error"),
	}
}

// EncodeProfile converts p to its wire form.
func EncodeProfile(p store.Profile) *structpb.Struct {
	return NewRequest("name", p.Name, "phone", p.Phone)
}

// DecodeProfile converts the wire form back to a profile.
func DecodeProfile(s *structpb.Struct) store.Profile {
	return store.Profile{Name: Str(s, "name"), Phone: Str(s, "phone")}
}
