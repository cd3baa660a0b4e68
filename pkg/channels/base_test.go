package channels

import (
	"context"
	"testing"
	"time"

	"github.com/smallbets/smallbot/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAllowed(t *testing.T) {
	open := NewBaseChannel("discord", bus.NewMessageBus(), nil)
	assert.True(t, open.IsAllowed("anyone"))

	c := NewBaseChannel("discord", bus.NewMessageBus(), []string{"123", "@Ann#0001", " "})
	tests := []struct {
		sender string
		want   bool
	}{
		{"123", true},
		{"123|bob#0002", true},
		{"999|ann#0001", true},
		{"999|ANN#0001", true},
		{"999|bob#0002", false},
		{"999", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.IsAllowed(tt.sender), tt.sender)
	}
}

func TestHandleMessage(t *testing.T) {
	mb := bus.NewMessageBus()
	c := NewBaseChannel("discord", mb, []string{"ann#0001"})

	ok := c.HandleMessage(bus.InboundMessage{SenderID: "1", Username: "ann", Discriminator: "0001", Content: "hi"})
	require.True(t, ok)
	assert.False(t, c.HandleMessage(bus.InboundMessage{SenderID: "2", Username: "bob", Discriminator: "0002", Content: "hi"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "discord", msg.Channel)
	assert.Equal(t, "hi", msg.Content)

	in, _ := mb.Pending()
	assert.Zero(t, in)
}

func TestRunningFlag(t *testing.T) {
	c := NewBaseChannel("discord", bus.NewMessageBus(), nil)
	assert.False(t, c.IsRunning())
	c.setRunning(true)
	assert.True(t, c.IsRunning())
	assert.Equal(t, "discord", c.Name())
}
