package commands

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbets/smallbot/pkg/bus"
	"github.com/smallbets/smallbot/pkg/directory"
	"github.com/smallbets/smallbot/pkg/logger"
)

// Welcome builds the direct message sent to a member who just joined. The
// text differs depending on whether the member already has a profile.
func (h *Handler) Welcome(ctx context.Context, member User) Reply {
	hasProfile := false
	if h.dir != nil {
		_, err := h.dir.Lookup(ctx, member.Handle())
		switch {
		case err == nil:
			hasProfile = true
		case !errors.Is(err, directory.ErrNotFound):
			logger.WarnCF("commands", "Welcome lookup failed", map[string]any{
				"handle": member.Handle(),
				"error":  err.Error(),
			})
		}
	}

	mention := member.Mention
	if mention == "" {
		mention = member.Name()
	}

	lines := []string{
		"Welcome to the Small Bets Community, " + mention + "! We're glad to have you here.",
		"",
		"My name is SmallBot and I am an AI powered bot custom built just to help you and other members of the Small Bets community.",
		"",
	}
	if hasProfile {
		lines = append(lines,
			"It seems you have already set up your community profile on our website and connected your discord! Very awesome. This will allow community members to see who you are, see your projects, and help you better.",
		)
	} else {
		lines = append(lines,
			"I was unable to find your Small Bets Directory profile. No worries if you haven't set it up yet.",
			"",
			"You can set up your Directory Profile anytime on our website, over at: "+directorySignupURL,
			"Once set up, that profile is connected directly to our community discord. This allows community members to see who you are, see your projects, and maybe help you better.",
			"",
			"If you did set up your profile, then maybe I was unable to pull it up because your discord is not yet connected. You can connect your discord handle with one click right from your profile on our website "+directorySignupURL,
		)
	}
	lines = append(lines,
		"",
		"By the way, I also wanted to let you know that inside our community discord; I have a few powerful commands that you can invoke, such as /help and /who-is user and several others.",
		"",
		"Anyway, welcome again. It's great to have you here.",
	)

	return Reply{Embed: &bus.Embed{
		Title:       "Welcome to Small Bets",
		Description: strings.Join(lines, "\n"),
		Color:       ColorBlue,
		Timestamp:   h.now(),
	}}
}
