package agent

import (
	"context"
	"strings"
	"time"

	"github.com/smallbets/smallbot/pkg/providers"
)

const defaultCompletionTimeout = 60 * time.Second

// Invoker sends one ordered message list to the model and returns the single
// reply. Every failure comes back as a *providers.ProviderError.
type Invoker struct {
	client   providers.ChatClient
	provider string
	timeout  time.Duration
}

func NewInvoker(client providers.ChatClient, provider string, timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = defaultCompletionTimeout
	}
	return &Invoker{client: client, provider: provider, timeout: timeout}
}

// Complete does not retry.
func (inv *Invoker) Complete(ctx context.Context, messages []providers.Message) (providers.Message, error) {
	if inv.client == nil {
		return providers.Message{}, &providers.ProviderError{Provider: inv.provider, Reason: "no chat client configured"}
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	resp, err := inv.client.Chat(callCtx, messages)
	if err != nil {
		return providers.Message{}, providers.AsProviderError(inv.provider, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return providers.Message{}, &providers.ProviderError{
			Provider: inv.provider,
			Reason:   "no choices",
			Err:      providers.ErrMalformedResponse,
		}
	}

	msg := resp.Choices[0].Message
	if msg.Role == "" {
		msg.Role = providers.RoleAssistant
	}
	reason := ""
	switch {
	case msg.Role != providers.RoleAssistant:
		reason = "unexpected reply role " + msg.Role
	case strings.TrimSpace(msg.Content) == "":
		reason = "empty reply"
	default:
		return msg, nil
	}
	return providers.Message{}, &providers.ProviderError{
		Provider: inv.provider,
		Reason:   reason,
		Err:      providers.ErrMalformedResponse,
	}
}
