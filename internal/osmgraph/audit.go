package osmgraph

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osm2graph-go/internal/graph"
)

// ChangesetCollision is a point whose changeset node differs from its way's
// changeset node while carrying the same changeset id. Changeset nodes are
// expected to be unique per id.
type ChangesetCollision struct {
	Way   graph.NodeID
	Point graph.NodeID
	ID    osm.ChangesetID
}

// UserStats counts how many audited points a user last edited
type UserStats struct {
	User       *User
	Points     int
	Changesets int
}

// AuditReport summarises changeset and user provenance across a dataset
type AuditReport struct {
	Layer string

	WaysCounted          int
	WaysMatched          int
	WaysMissingChangeset int
	PointsCounted        int
	PointsMissing        int
	UsersMissing         int

	// InlineChangesets counts entities carrying a changeset property instead
	// of a CHANGESET link
	InlineChangesets int

	TotalMatch float64
	MinMatch   float64
	MaxMatch   float64

	Collisions []ChangesetCollision
	Users      map[graph.NodeID]*UserStats
}

// AverageMatch is the mean share of points per way that share the way's changeset
func (r *AuditReport) AverageMatch() float64 {
	if r.WaysMatched == 0 {
		return 0
	}
	return r.TotalMatch / float64(r.WaysMatched)
}

// TopUsers returns the n users with the most points, ties broken by uid
func (r *AuditReport) TopUsers(n int) []*UserStats {
	users := make([]*UserStats, 0, len(r.Users))
	for _, u := range r.Users {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b *UserStats) int {
		if c := cmp.Compare(b.Points, a.Points); c != 0 {
			return c
		}
		return cmp.Compare(a.User.UID, b.User.UID)
	})
	if n >= 0 && len(users) > n {
		users = users[:n]
	}
	return users
}

// Audit walks every way and its points and checks that their changesets and
// users are linked consistently
func Audit(ctx context.Context, ds *Dataset) (*AuditReport, error) {
	r := &AuditReport{
		Layer:    ds.layer.Name,
		MinMatch: 1,
		Users:    make(map[graph.NodeID]*UserStats),
	}

	ways := ds.AllWayNodes().Iterator(ctx)
	for ways.Next() {
		way := ways.Node()
		if err := auditWay(ctx, ds, r, way); err != nil {
			return nil, err
		}
	}
	if err := ways.Err(); err != nil {
		return nil, fmt.Errorf("failed to walk ways: %w", err)
	}
	if r.WaysMatched == 0 {
		r.MinMatch = 0
	}
	return r, nil
}

func auditWay(ctx context.Context, ds *Dataset, r *AuditReport, way *graph.Node) error {
	r.WaysCounted++
	if way.Has(PropChangeset) {
		r.InlineChangesets++
	}

	wayCS, ok := ds.ChangesetOf(ctx, way)
	if !ok {
		r.WaysMissingChangeset++
		return nil
	}

	points, matches := 0, 0
	it := ds.WayNodes(way.ID).Iterator(ctx)
	for it.Next() {
		point := it.Node()
		points++
		if point.Has(PropChangeset) {
			r.InlineChangesets++
		}

		cs, ok := ds.ChangesetOf(ctx, point)
		if !ok {
			r.PointsMissing++
			continue
		}
		if cs.Node.ID == wayCS.Node.ID {
			matches++
		} else if cs.ID == wayCS.ID {
			r.Collisions = append(r.Collisions, ChangesetCollision{Way: way.ID, Point: point.ID, ID: cs.ID})
		}

		if err := countUser(ctx, ds, r, cs); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("failed to walk points of way %d: %w", way.ID, err)
	}

	if points > 0 {
		match := float64(matches) / float64(points)
		r.WaysMatched++
		r.PointsCounted += points
		r.TotalMatch += match
		r.MinMatch = min(r.MinMatch, match)
		r.MaxMatch = max(r.MaxMatch, match)
	}
	return nil
}

func countUser(ctx context.Context, ds *Dataset, r *AuditReport, cs *Changeset) error {
	user, ok := ds.UserOf(ctx, cs.Node)
	if !ok {
		r.UsersMissing++
		return nil
	}
	if s, ok := r.Users[user.Node.ID]; ok {
		s.Points++
		return nil
	}

	changesets, err := ds.store.Neighbours(ctx, user.Node.ID, RelUser, graph.Incoming)
	if err != nil {
		return fmt.Errorf("failed to count changesets of user %d: %w", user.UID, err)
	}
	r.Users[user.Node.ID] = &UserStats{User: user, Points: 1, Changesets: len(changesets)}
	return nil
}
