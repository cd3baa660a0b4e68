// Package conversation assembles the message lists sent to the model: the
// per-user seeded conversations for each persona and the per-channel
// history of recent chatter. Both live in a shared contextstore.Store.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbets/smallbot/pkg/contextstore"
	"github.com/smallbets/smallbot/pkg/directory"
	"github.com/smallbets/smallbot/pkg/logger"
	"github.com/smallbets/smallbot/pkg/providers"
)

// ErrCacheMiss means the conversation for a key could not be read or built.
var ErrCacheMiss = errors.New("conversation: cache miss")

// Conversation is an ordered message list. Values read from the store are
// shared; use Append or Clone instead of mutating in place.
type Conversation []providers.Message

func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	out := make(Conversation, len(c))
	copy(out, c)
	return out
}

// Append returns a new conversation with msgs added at the end.
func (c Conversation) Append(msgs ...providers.Message) Conversation {
	out := make(Conversation, 0, len(c)+len(msgs))
	out = append(out, c...)
	return append(out, msgs...)
}

// Messages returns a copy as a plain slice for the chat client.
func (c Conversation) Messages() []providers.Message {
	return []providers.Message(c.Clone())
}

// User identifies the member a conversation belongs to.
type User struct {
	Username      string
	Discriminator string
	DisplayName   string
}

// Handle is "username#discriminator", the directory lookup key.
func (u User) Handle() string {
	return u.Username + "#" + u.Discriminator
}

func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// UserKey is the store key for a member's conversation with a persona. The
// default persona has no suffix.
func UserKey(u User, p Persona) string {
	key := u.Handle()
	if p != "" && p != PersonaDefault {
		key += "#" + string(p)
	}
	return key
}

// Builder creates and extends per-user conversations.
type Builder struct {
	store     *contextstore.Store[Conversation]
	directory directory.Directory
	ttl       time.Duration
}

// NewBuilder returns a Builder. dir may be nil, in which case every member
// gets the no-profile sentence.
func NewBuilder(store *contextstore.Store[Conversation], dir directory.Directory, ttl time.Duration) *Builder {
	return &Builder{store: store, directory: dir, ttl: ttl}
}

// GetOrCreate returns the conversation for user and persona, seeding and
// storing it first if none exists. Concurrent first calls for the same key
// commit exactly one seed sequence; the others see it.
func (b *Builder) GetOrCreate(ctx context.Context, user User, trigger string, persona Persona) (Conversation, error) {
	tmpl, ok := LookupPersona(persona)
	if !ok {
		return nil, fmt.Errorf("%w: unknown persona %q", ErrCacheMiss, persona)
	}
	key := UserKey(user, persona)

	conv, err := b.store.Update(key, b.ttl, func(cur Conversation, ok bool) (Conversation, error) {
		if ok && len(cur) > 0 {
			return nil, contextstore.ErrSkip
		}
		seeded, err := tmpl.Seed(b.profileBlurb(ctx, user), SeedData{
			DisplayName: user.Name(),
			Trigger:     trigger,
		})
		if err != nil {
			return nil, err
		}
		logger.DebugCF("conversation", "Seeded conversation", map[string]any{
			"key":     key,
			"persona": string(persona),
			"version": tmpl.Version,
		})
		return seeded, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCacheMiss, key, err)
	}
	if len(conv) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCacheMiss, key)
	}
	return conv.Clone(), nil
}

// Append adds msgs to the stored conversation for key and returns the new
// list. It re-reads under the key lock so turns committed by concurrent
// callers are kept. A missing or expired entry is ErrCacheMiss.
func (b *Builder) Append(key string, msgs ...providers.Message) (Conversation, error) {
	conv, err := b.store.Update(key, b.ttl, func(cur Conversation, ok bool) (Conversation, error) {
		if !ok || len(cur) == 0 {
			return nil, ErrCacheMiss
		}
		return cur.Append(msgs...), nil
	})
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, fmt.Errorf("%w: %s", ErrCacheMiss, key)
		}
		return nil, err
	}
	return conv.Clone(), nil
}

// Get returns the stored conversation for key without creating one.
func (b *Builder) Get(key string) (Conversation, bool) {
	conv, ok := b.store.Get(key)
	if !ok {
		return nil, false
	}
	return conv.Clone(), true
}

// profileBlurb never fails: lookup errors degrade to the no-profile text.
func (b *Builder) profileBlurb(ctx context.Context, user User) string {
	if b.directory == nil || strings.TrimSpace(user.Username) == "" {
		return ProfileBlurb(nil)
	}
	p, err := b.directory.Lookup(ctx, user.Handle())
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			logger.WarnCF("conversation", "Directory lookup failed", map[string]any{
				"handle": user.Handle(),
				"error":  err.Error(),
			})
		}
		return ProfileBlurb(nil)
	}
	return ProfileBlurb(p)
}
