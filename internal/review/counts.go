package review

import (
	"counselhub/api/internal/rbac"
	"counselhub/api/internal/store"
)

// Scope selects which resources a dashboard counts: everything for admins,
// only the actor's own resources otherwise.
type Scope struct {
	All     bool
	OwnerID string
}

func ScopeFor(actor Actor) Scope {
	if rbac.Can(actor.Role, rbac.ActionViewAll) {
		return Scope{All: true}
	}
	return Scope{OwnerID: actor.ID}
}

func (s Scope) Includes(res store.Resource) bool {
	return s.All || (s.OwnerID != "" && res.Publisher == s.OwnerID)
}

type Counts struct {
	PendingReview int `json:"pending_review"`
	Reviewed      int `json:"reviewed"`
	Published     int `json:"published"`
	Rejected      int `json:"rejected"`
	Total         int `json:"total"`
}

func (c Counts) Of(status Status) int {
	switch status {
	case StatusReviewed:
		return c.Reviewed
	case StatusPublished:
		return c.Published
	case StatusRejected:
		return c.Rejected
	default:
		return c.PendingReview
	}
}

// Count projects resources onto per-status badge counts.
func Count(resources []store.Resource, scope Scope) Counts {
	var c Counts
	for _, res := range resources {
		if !scope.Includes(res) {
			continue
		}
		c.Total++
		switch Normalize(res.Status) {
		case StatusPendingReview:
			c.PendingReview++
		case StatusReviewed:
			c.Reviewed++
		case StatusPublished:
			c.Published++
		case StatusRejected:
			c.Rejected++
		}
	}
	return c
}
