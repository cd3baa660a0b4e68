// Package directory is the community member directory: profiles keyed by chat
// handle plus the projects each member lists.
package directory

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("directory: profile not found")

type Profile struct {
	ID        string
	Handle    string
	FirstName string
	LastName  string
	Email     string
	Twitter   string
	LinkedIn  string
	Location  string
	// ProjectCount is nil when the member never filled it in.
	ProjectCount *int
	JoinedAt     time.Time
}

func (p Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

func (p Profile) TwitterURL() string {
	if p.Twitter == "" {
		return ""
	}
	return "https://twitter.com/" + p.Twitter
}

func (p Profile) LinkedInURL() string {
	if p.LinkedIn == "" {
		return ""
	}
	return "https://www.linkedin.com/in/" + p.LinkedIn + "/"
}

type Project struct {
	ID          string
	ProfileID   string
	Name        string
	URL         string
	Description string
}

// Directory looks members up by handle ("username#discriminator").
// Lookup returns ErrNotFound when no profile is linked to the handle.
type Directory interface {
	Lookup(ctx context.Context, handle string) (*Profile, error)
	Projects(ctx context.Context, profileID string) ([]Project, error)
	Search(ctx context.Context, term string, limit int) ([]Profile, error)
}

// NormalizeHandle lowercases the handle and drops the "#0" discriminator the
// platform reports for migrated usernames.
func NormalizeHandle(handle string) string {
	h := strings.ToLower(strings.TrimSpace(handle))
	return strings.TrimSuffix(h, "#0")
}
