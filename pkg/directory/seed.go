package directory

import (
	"context"
	"fmt"
	"time"
)

type SeedEntry struct {
	Profile  Profile
	Projects []Project
}

func intPtr(n int) *int { return &n }

// SampleEntries is the demo data loaded by "smallbot directory seed".
func SampleEntries() []SeedEntry {
	return []SeedEntry{
		{
			Profile: Profile{
				Handle:       "louie#0001",
				FirstName:    "Louie",
				LastName:     "Bacaj",
				Twitter:      "LBacaj",
				LinkedIn:     "louiebacaj",
				ProjectCount: intPtr(2),
				JoinedAt:     time.Date(2022, time.October, 3, 0, 0, 0, 0, time.UTC),
			},
			Projects: []Project{
				{Name: "The M&Ms Newsletter", URL: "https://newsletter.memesmotivations.com/", Description: "My personal newsletter"},
				{Name: "Small Bets", URL: "https://smallbets.co/", Description: "The Small Bets community"},
			},
		},
		{
			Profile: Profile{
				Handle:       "dvassallo#0001",
				FirstName:    "Daniel",
				LastName:     "Vassallo",
				Twitter:      "dvassallo",
				LinkedIn:     "dvassallo",
				ProjectCount: intPtr(2),
				JoinedAt:     time.Date(2022, time.September, 1, 0, 0, 0, 0, time.UTC),
			},
			Projects: []Project{
				{Name: "Small Bets", URL: "https://smallbets.co/", Description: "The Small Bets community"},
				{Name: "Userbase", URL: "https://userbase.com/", Description: "Serverless database for web apps"},
			},
		},
	}
}

// Seed writes entries into the store. Projects are only added for profiles
// that have none yet, so seeding twice does not duplicate them.
func (s *SQLiteStore) Seed(ctx context.Context, entries []SeedEntry) (int, error) {
	n := 0
	for _, e := range entries {
		p, err := s.UpsertProfile(ctx, e.Profile)
		if err != nil {
			return n, fmt.Errorf("seed %s: %w", e.Profile.Handle, err)
		}
		existing, err := s.Projects(ctx, p.ID)
		if err != nil {
			return n, fmt.Errorf("seed %s: %w", p.Handle, err)
		}
		if len(existing) == 0 {
			for _, proj := range e.Projects {
				proj.ProfileID = p.ID
				if _, err := s.AddProject(ctx, proj); err != nil {
					return n, fmt.Errorf("seed %s: %w", p.Handle, err)
				}
			}
		}
		n++
	}
	return n, nil
}
