package remote

// Key layout on the remote store. Each node of the logical tree
//
//	users/{pid}                          = {name, online}
//	chats/{chatId}/messages/{messageId}  = {text, sender, timestamp, status}
//	chats/{chatId}/meta                  = {lastMessage, lastTimestamp}
//
// maps to one Redis key. The timeline sorted set and the feed channel are
// the indexes the live tail reads from.

func userKey(pid string) string  { return "users/" + pid }
func leaseKey(pid string) string { return "users/" + pid + "/lease" }

func messageKey(chatID, msgID string) string { return "chats/" + chatID + "/messages/" + msgID }
func timelineKey(chatID string) string       { return "chats/" + chatID + "/timeline" }
func metaKey(chatID string) string           { return "chats/" + chatID + "/meta" }
func feedChannel(chatID string) string       { return "chats/" + chatID + "/feed" }

// record is the stored form of a message. ID is only set on feed payloads;
// on the message key the id is the key itself.
type record struct {
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status,omitempty"`
}

// Field names must match sendScript.
const (
	metaLastMessage   = "lastMessage"
	metaLastTimestamp = "lastTimestamp"
	previewLen        = 50
)

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes])
}
