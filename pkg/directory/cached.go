package directory

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Cached collapses concurrent lookups of the same handle into one call to the
// backing directory. Results are not retained after the call returns.
type Cached struct {
	next  Directory
	group singleflight.Group
}

func NewCached(next Directory) *Cached {
	return &Cached{next: next}
}

func (c *Cached) Lookup(ctx context.Context, handle string) (*Profile, error) {
	key := "lookup:" + NormalizeHandle(handle)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.next.Lookup(ctx, handle)
	})
	if err != nil {
		return nil, err
	}
	found, _ := v.(*Profile)
	if found == nil {
		return nil, ErrNotFound
	}
	p := *found
	return &p, nil
}

func (c *Cached) Projects(ctx context.Context, profileID string) ([]Project, error) {
	v, err, _ := c.group.Do("projects:"+profileID, func() (any, error) {
		return c.next.Projects(ctx, profileID)
	})
	if err != nil {
		return nil, err
	}
	return append([]Project(nil), v.([]Project)...), nil
}

func (c *Cached) Search(ctx context.Context, term string, limit int) ([]Profile, error) {
	return c.next.Search(ctx, term, limit)
}
