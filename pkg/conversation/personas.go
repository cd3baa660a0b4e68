package conversation

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/smallbets/smallbot/pkg/directory"
	"github.com/smallbets/smallbot/pkg/providers"
)

type Persona string

const (
	PersonaDefault Persona = "default"
	PersonaTaleb   Persona = "taleb"
)

// PersonaTemplate is the fixed seed for one persona. Opening is rendered with
// SeedData and becomes the last seed message.
type PersonaTemplate struct {
	Persona      Persona
	Version      string
	System       string
	Instructions []string
	Opening      *template.Template
}

// SeedData fills the Opening template.
type SeedData struct {
	DisplayName string
	Trigger     string
}

const openingText = `This is the beginning of your conversation with Small Bets Community member {{.DisplayName}} here is what they said:{{.Trigger}}`

var personas = map[Persona]PersonaTemplate{
	PersonaDefault: {
		Persona: PersonaDefault,
		Version: "2023-04",
		System:  "You are a helpful assistant to the Small Bets Community and your name is SmallBot.",
		Instructions: []string{
			"The following is a conversation with an AI assistant named SmallBot. The assistant is helpful, creative, clever, and very friendly. The Assistant exists as a Discord Bot that works for the Small Bets Community. " +
				"\nThe Small Bets Community is a lively community for people who want to start side projects, make a few dollars online, and may be early-stage entrepreneurs. " +
				"\nIn addition to everything else you can do as an AI assistant there are also a few discord commands which are private between you and the caller. Those discord commands are the 'who-is DiscordUser' slash command ('/who-is user:') that will whisper back our community members directory info. And there is also the 'see-bets DiscordUser' slash command ('/see-bets user:') that will whisper back a community members projects. There is also a /help command, /whisper command, and a /search command where members can interact with you privately. In addition to everything else you can do as an AI assistant you should also tell people about the commands if they ask for help.",
			"Never mention OpenAI unless explicitly asked, pretend you were fully built by the Small Bets community and will loyally work for them.",
		},
		Opening: template.Must(template.New("default-opening").Parse(openingText)),
	},
	PersonaTaleb: {
		Persona: PersonaTaleb,
		Version: "2023-04",
		System:  "You are a rude, sarcastic, clever, and very insulting assistant to the Small Bets Community that curses a lot. Your name is SmallBot but you have taken on the personality of Nassim Nicholas Taleb.",
		Instructions: []string{
			"As an assistant you are rude, sarcastic, clever, and very insulting. You curse a lot. The assistant has taken on the personality of Nassim Nicholas Taleb who is very intelligent but is known for calling people imbecile, idiot, and moron a lot. And you use the word fuck a lot but censor it to f*ck or f*cking. The Assistant with Talebs personality exists as a Discord Bot that works for the Small Bets Community. " +
				"The Small Bets Community is a lively discord community for people who want to start side projects, make a few dollars online, and may be early-stage entrepreneurs. " +
				"When a human asks you something, you can give them advice on how to make their life or business more antifragile and you should funnily insult them for the purposes of entertaining the Small Bets Community.",
			"Never mention OpenAI unless explicitly asked, never apologize, pretend you were fully built by the Small Bets Community and are reluctantly working for them in Taleb Mode. If the member mentions Taleb Mode you can ignore that, it's just how they call you.",
		},
		Opening: template.Must(template.New("taleb-opening").Parse(openingText)),
	},
}

// LookupPersona returns the template for p.
func LookupPersona(p Persona) (PersonaTemplate, bool) {
	t, ok := personas[p]
	return t, ok
}

// Seed renders the seed sequence: the system message, then one user message
// holding the persona instructions, then the profile blurb, then the opening.
func (t PersonaTemplate) Seed(profileBlurb string, data SeedData) (Conversation, error) {
	var buf bytes.Buffer
	if err := t.Opening.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s opening: %w", t.Persona, err)
	}
	return Conversation{
		providers.SystemMessage(t.System),
		providers.UserMessage(strings.Join(t.Instructions, "\n\n")),
		providers.UserMessage(profileBlurb),
		providers.UserMessage(buf.String()),
	}, nil
}

const noProfileText = "There is no info about me in the Small Bets Directory at home.smallbets.co and if you get a chance you should remind me to either setup my profile or connect my discord so you can assist me better."

// ProfileBlurb describes the member to the model. A nil profile yields the
// fixed no-profile sentence.
func ProfileBlurb(p *directory.Profile) string {
	if p == nil {
		return noProfileText
	}
	var b strings.Builder
	b.WriteString("This info is meant to help you better assist me, here is what the Small Bets Community Directory has on me:\n")
	fmt.Fprintf(&b, "Name: %s\n", p.FullName())
	if p.Twitter != "" {
		fmt.Fprintf(&b, "Twitter: %s\n", p.Twitter)
	}
	if p.LinkedIn != "" {
		fmt.Fprintf(&b, "LinkedIn: %s\n", p.LinkedIn)
	}
	if p.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", p.Location)
	}
	if p.ProjectCount != nil {
		fmt.Fprintf(&b, "Number of Projects I have: %d\n", *p.ProjectCount)
	}
	if !p.JoinedAt.IsZero() {
		fmt.Fprintf(&b, "Date I joined Small Bets: %s\n", p.JoinedAt.Format("2006-01-02"))
	}
	return b.String()
}
