package peer

import (
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const chatLabel = "chat"

type ChatMessage struct {
	ID     string    `msgpack:"id"`
	From   string    `msgpack:"from"`
	Text   string    `msgpack:"text"`
	SentAt time.Time `msgpack:"sent_at"`
}

func newChatMessage(from, text string) ChatMessage {
	return ChatMessage{
		ID:     uuid.NewString(),
		From:   from,
		Text:   text,
		SentAt: time.Now().UTC(),
	}
}

func encodeChat(m ChatMessage) ([]byte, error) {
	return msgpack.Marshal(&m)
}

func decodeChat(b []byte) (ChatMessage, error) {
	var m ChatMessage
	err := msgpack.Unmarshal(b, &m)
	return m, err
}
