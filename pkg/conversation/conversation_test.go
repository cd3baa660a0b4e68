package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbets/smallbot/pkg/contextstore"
	"github.com/smallbets/smallbot/pkg/directory"
	"github.com/smallbets/smallbot/pkg/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	profiles map[string]*directory.Profile
	err      error
	lookups  atomic.Int32
}

func (d *fakeDirectory) Lookup(ctx context.Context, handle string) (*directory.Profile, error) {
	d.lookups.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	p, ok := d.profiles[handle]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return p, nil
}

func (d *fakeDirectory) Projects(ctx context.Context, profileID string) ([]directory.Project, error) {
	return nil, nil
}

func (d *fakeDirectory) Search(ctx context.Context, term string, limit int) ([]directory.Profile, error) {
	return nil, nil
}

func newStore() *contextstore.Store[Conversation] {
	return contextstore.New[Conversation](24 * time.Hour)
}

var ann = User{Username: "ann", Discriminator: "0001", DisplayName: "Ann"}

func TestUserKey(t *testing.T) {
	assert.Equal(t, "ann#0001", UserKey(ann, PersonaDefault))
	assert.Equal(t, "ann#0001", UserKey(ann, ""))
	assert.Equal(t, "ann#0001#taleb", UserKey(ann, PersonaTaleb))
}

func TestGetOrCreate_SeedsOnce(t *testing.T) {
	b := NewBuilder(newStore(), &fakeDirectory{}, 24*time.Hour)

	conv, err := b.GetOrCreate(context.Background(), ann, "hello", PersonaDefault)
	require.NoError(t, err)
	require.Len(t, conv, 4)
	assert.Equal(t, providers.RoleSystem, conv[0].Role)
	for _, m := range conv[1:] {
		assert.Equal(t, providers.RoleUser, m.Role)
	}
	assert.Equal(t, noProfileText, conv[2].Content)
	assert.Equal(t, "This is the beginning of your conversation with Small Bets Community member Ann here is what they said:hello", conv[3].Content)

	again, err := b.GetOrCreate(context.Background(), ann, "something else", PersonaDefault)
	require.NoError(t, err)
	assert.Equal(t, conv, again)
}

func TestGetOrCreate_ConcurrentFirstAccessCommitsOneSeed(t *testing.T) {
	dir := &fakeDirectory{}
	b := NewBuilder(newStore(), dir, 24*time.Hour)

	var wg sync.WaitGroup
	results := make([]Conversation, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := b.GetOrCreate(context.Background(), ann, fmt.Sprintf("msg-%d", i), PersonaDefault)
			assert.NoError(t, err)
			results[i] = conv
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), dir.lookups.Load())
	stored, ok := b.Get("ann#0001")
	require.True(t, ok)
	require.Len(t, stored, 4)
	for _, r := range results {
		assert.Equal(t, stored, r)
	}
}

func TestGetOrCreate_ProfileBlurb(t *testing.T) {
	count := 2
	dir := &fakeDirectory{profiles: map[string]*directory.Profile{
		"ann#0001": {
			FirstName:    "Ann",
			LastName:     "Lee",
			Twitter:      "annlee",
			Location:     "Lisbon",
			ProjectCount: &count,
			JoinedAt:     time.Date(2023, 3, 14, 0, 0, 0, 0, time.UTC),
		},
	}}
	b := NewBuilder(newStore(), dir, time.Hour)

	conv, err := b.GetOrCreate(context.Background(), ann, "hi", PersonaDefault)
	require.NoError(t, err)
	blurb := conv[2].Content
	assert.True(t, strings.HasPrefix(blurb, "This info is meant to help you better assist me"))
	assert.Contains(t, blurb, "Name: Ann Lee\n")
	assert.Contains(t, blurb, "Twitter: annlee\n")
	assert.NotContains(t, blurb, "LinkedIn:")
	assert.Contains(t, blurb, "Location: Lisbon\n")
	assert.Contains(t, blurb, "Number of Projects I have: 2\n")
	assert.Contains(t, blurb, "Date I joined Small Bets: 2023-03-14\n")
}

func TestGetOrCreate_DirectoryFailureIsSwallowed(t *testing.T) {
	b := NewBuilder(newStore(), &fakeDirectory{err: errors.New("db locked")}, time.Hour)

	conv, err := b.GetOrCreate(context.Background(), ann, "hi", PersonaDefault)
	require.NoError(t, err)
	assert.Equal(t, noProfileText, conv[2].Content)
}

func TestGetOrCreate_NilDirectory(t *testing.T) {
	b := NewBuilder(newStore(), nil, time.Hour)
	conv, err := b.GetOrCreate(context.Background(), ann, "hi", PersonaTaleb)
	require.NoError(t, err)
	assert.Equal(t, noProfileText, conv[2].Content)
	assert.Contains(t, conv[0].Content, "Nassim Nicholas Taleb")
}

func TestGetOrCreate_UnknownPersona(t *testing.T) {
	b := NewBuilder(newStore(), nil, time.Hour)
	_, err := b.GetOrCreate(context.Background(), ann, "hi", Persona("pirate"))
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestPersonaIsolation(t *testing.T) {
	store := newStore()
	b := NewBuilder(store, nil, time.Hour)
	ctx := context.Background()

	def, err := b.GetOrCreate(ctx, ann, "hello", PersonaDefault)
	require.NoError(t, err)
	_, err = b.Append(UserKey(ann, PersonaDefault), providers.UserMessage("hello"))
	require.NoError(t, err)

	taleb, err := b.GetOrCreate(ctx, ann, "taleb mode: roast me", PersonaTaleb)
	require.NoError(t, err)
	_, err = b.Append(UserKey(ann, PersonaTaleb), providers.UserMessage("taleb mode: roast me"), providers.AssistantMessage("imbecile"))
	require.NoError(t, err)

	assert.NotEqual(t, def[0].Content, taleb[0].Content)

	stored, ok := b.Get(UserKey(ann, PersonaDefault))
	require.True(t, ok)
	assert.Len(t, stored, 5)
	assert.Equal(t, "hello", stored[4].Content)

	stored, ok = b.Get(UserKey(ann, PersonaTaleb))
	require.True(t, ok)
	assert.Len(t, stored, 6)
	assert.Equal(t, 2, store.Len())
}

func TestAppend_MissingEntryIsCacheMiss(t *testing.T) {
	b := NewBuilder(newStore(), nil, time.Hour)
	_, err := b.Append("ghost#0001", providers.UserMessage("hi"))
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestAppend_ConcurrentTurnsAreNotLost(t *testing.T) {
	b := NewBuilder(newStore(), nil, time.Hour)
	_, err := b.GetOrCreate(context.Background(), ann, "hi", PersonaDefault)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.Append("ann#0001", providers.UserMessage(fmt.Sprintf("turn-%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, _ := b.Get("ann#0001")
	assert.Len(t, stored, 4+25)
}

func TestConversation_AppendDoesNotAlias(t *testing.T) {
	base := make(Conversation, 1, 8)
	base[0] = providers.SystemMessage("seed")

	a := base.Append(providers.UserMessage("a"))
	b := base.Append(providers.UserMessage("b"))
	assert.Equal(t, "a", a[1].Content)
	assert.Equal(t, "b", b[1].Content)
	assert.Len(t, base, 1)
}

func TestGetOrCreate_ReturnsCopy(t *testing.T) {
	b := NewBuilder(newStore(), nil, time.Hour)
	conv, err := b.GetOrCreate(context.Background(), ann, "hi", PersonaDefault)
	require.NoError(t, err)
	conv[0] = providers.UserMessage("tampered")

	stored, _ := b.Get("ann#0001")
	assert.Equal(t, providers.RoleSystem, stored[0].Role)
}

func TestPersonaSeedStructure(t *testing.T) {
	for _, p := range []Persona{PersonaDefault, PersonaTaleb} {
		tmpl, ok := LookupPersona(p)
		require.True(t, ok, p)
		assert.NotEmpty(t, tmpl.Version)

		seed, err := tmpl.Seed("blurb", SeedData{DisplayName: "Bo", Trigger: "yo"})
		require.NoError(t, err)
		require.Len(t, seed, 4)
		assert.Equal(t, providers.RoleSystem, seed[0].Role)
		assert.Equal(t, "blurb", seed[2].Content)
		assert.True(t, strings.HasSuffix(seed[3].Content, "member Bo here is what they said:yo"))
	}
}

func TestTracker_FirstAppendWritesHeader(t *testing.T) {
	tr := NewTracker(newStore(), 10, time.Hour)

	n, err := tr.Append("general", "bob", "hey all")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hist := tr.Read("general")
	require.Len(t, hist, 2)
	assert.Equal(t, providers.RoleSystem, hist[0].Role)
	assert.True(t, strings.HasSuffix(hist[0].Content, "you are in the discord channel: general"))
	assert.Equal(t, "This message directed to the channel was by discord user: bob. They said: hey all", hist[1].Content)

	_, err = tr.Append("general", "amy", "hi bob")
	require.NoError(t, err)
	hist = tr.Read("general")
	assert.Equal(t, "This message directed to the channel was by discord user: amy. They said to the channel: hi bob", hist[2].Content)
}

func TestTracker_CapKeepsHeaderAndNewest(t *testing.T) {
	tr := NewTracker(newStore(), 10, time.Hour)

	for i := 1; i <= 12; i++ {
		_, err := tr.Append("general", "bob", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	hist := tr.Read("general")
	require.Len(t, hist, 10)
	assert.Contains(t, hist[0].Content, "you are in the discord channel: general")
	for i, m := range hist[1:] {
		assert.True(t, strings.HasSuffix(m.Content, fmt.Sprintf(": m%d", i+4)), m.Content)
	}
}

func TestTracker_ConcurrentAppendsRespectCap(t *testing.T) {
	tr := NewTracker(newStore(), 10, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tr.Append("general", "bob", fmt.Sprintf("m%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	hist := tr.Read("general")
	assert.Len(t, hist, 10)
	assert.Contains(t, hist[0].Content, "discord channel: general")
}

func TestTracker_ReadMissingAndEmptyName(t *testing.T) {
	tr := NewTracker(newStore(), 10, time.Hour)
	assert.Empty(t, tr.Read("nowhere"))
	assert.Empty(t, tr.Read(""))

	_, err := tr.Append(" ", "bob", "hi")
	assert.Error(t, err)
}

func TestTracker_ReadDoesNotMutate(t *testing.T) {
	tr := NewTracker(newStore(), 10, time.Hour)
	_, err := tr.Append("general", "bob", "hi")
	require.NoError(t, err)

	hist := tr.Read("general")
	hist[1] = providers.SystemMessage("changed")
	assert.Contains(t, tr.Read("general")[1].Content, "They said: hi")
}

func TestTracker_SmallLimitFallsBackToDefault(t *testing.T) {
	tr := NewTracker(newStore(), 1, time.Hour)
	assert.Equal(t, DefaultHistoryLimit, tr.limit)
}
