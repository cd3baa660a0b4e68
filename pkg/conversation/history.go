package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/smallbets/smallbot/pkg/contextstore"
	"github.com/smallbets/smallbot/pkg/providers"
)

const DefaultHistoryLimit = 10

// Tracker keeps a capped window of recent chatter per channel. Entry 0 is a
// header explaining the framing and is never evicted.
type Tracker struct {
	store *contextstore.Store[Conversation]
	limit int
	ttl   time.Duration
}

func NewTracker(store *contextstore.Store[Conversation], limit int, ttl time.Duration) *Tracker {
	if limit < 2 {
		limit = DefaultHistoryLimit
	}
	return &Tracker{store: store, limit: limit, ttl: ttl}
}

func channelHeader(channel string) providers.Message {
	return providers.SystemMessage("In addition, I am providing this for context so you can be more helpful, but these messages were not necessarily directed at you, the AI Assistant SmallBot. And for this conversation you are in the discord channel: " + channel)
}

// Append records that author said content in channel and returns the
// resulting history length. When the history grows past the limit the
// oldest entry after the header is dropped.
func (t *Tracker) Append(channel, author, content string) (int, error) {
	if strings.TrimSpace(channel) == "" {
		return 0, fmt.Errorf("append channel history: empty channel name")
	}
	hist, err := t.store.Update(channel, t.ttl, func(cur Conversation, ok bool) (Conversation, error) {
		if !ok || len(cur) == 0 {
			return Conversation{
				channelHeader(channel),
				providers.SystemMessage("This message directed to the channel was by discord user: " + author + ". They said: " + content),
			}, nil
		}
		next := cur.Append(providers.SystemMessage("This message directed to the channel was by discord user: " + author + ". They said to the channel: " + content))
		for len(next) > t.limit {
			next = append(next[:1], next[2:]...)
		}
		return next, nil
	})
	if err != nil {
		return 0, err
	}
	return len(hist), nil
}

// Read returns the channel's history, or nil when there is none.
func (t *Tracker) Read(channel string) Conversation {
	if strings.TrimSpace(channel) == "" {
		return nil
	}
	hist, ok := t.store.Get(channel)
	if !ok {
		return nil
	}
	return hist.Clone()
}
