// Package review holds the resource review/publish state machine. It is pure:
// callers load a resource, ask the Machine for the next state, and persist
// the returned resource and decision themselves.
package review

import (
	"errors"
	"fmt"
	"time"

	"counselhub/api/internal/rbac"
	"counselhub/api/internal/store"
	"counselhub/api/internal/util"
)

type Status string

const (
	StatusPendingReview Status = "pending_review"
	StatusReviewed      Status = "reviewed"
	StatusPublished     Status = "published"
	StatusRejected      Status = "rejected"
)

// Statuses lists every state in display order.
var Statuses = []Status{StatusPendingReview, StatusReviewed, StatusPublished, StatusRejected}

type Action string

const (
	ActionMarkReviewed Action = "mark_reviewed"
	ActionReject       Action = "reject"
	ActionPublish      Action = "publish"
	ActionUnpublish    Action = "unpublish"
	// ActionCycle is the single review control: it resolves to mark_reviewed,
	// publish or unpublish-to-reviewed depending only on the current status.
	ActionCycle    Action = "review"
	ActionResubmit Action = "resubmit"

	actionSetVisibility = "set_visibility"
)

var Actions = []Action{ActionMarkReviewed, ActionReject, ActionPublish, ActionUnpublish, ActionCycle, ActionResubmit}

var (
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnknownAction     = errors.New("unknown review action")
)

type Actor struct {
	ID   string
	Role rbac.Role
}

// Normalize maps a stored status to a known state. Absent or unknown values
// are treated as pending_review.
func Normalize(status string) Status {
	switch Status(status) {
	case StatusReviewed, StatusPublished, StatusRejected:
		return Status(status)
	default:
		return StatusPendingReview
	}
}

type visibility int

const (
	keepVisibility visibility = iota
	makePublic
	makePrivate
)

type step struct {
	to  Status
	vis visibility
}

// resolve is the transition table. ok is false when the action is not legal
// from the given state.
func resolve(from Status, action Action) (step, bool) {
	switch action {
	case ActionMarkReviewed:
		if from == StatusPendingReview {
			return step{to: StatusReviewed}, true
		}
	case ActionReject:
		if from == StatusPendingReview {
			return step{to: StatusRejected}, true
		}
	case ActionPublish:
		if from == StatusReviewed {
			return step{to: StatusPublished, vis: makePublic}, true
		}
	case ActionUnpublish:
		if from == StatusPublished {
			return step{to: StatusReviewed, vis: makePrivate}, true
		}
	case ActionCycle:
		switch from {
		case StatusPendingReview:
			return step{to: StatusReviewed}, true
		case StatusReviewed:
			return step{to: StatusPublished, vis: makePublic}, true
		case StatusPublished:
			return step{to: StatusReviewed}, true
		}
	case ActionResubmit:
		if from == StatusRejected {
			return step{to: StatusPendingReview}, true
		}
	}
	return step{}, false
}

func known(action Action) bool {
	for _, a := range Actions {
		if a == action {
			return true
		}
	}
	return false
}

// authorize reports whether actor may attempt action on res at all,
// independent of the current status.
func authorize(res store.Resource, action Action, actor Actor) bool {
	if action == ActionResubmit {
		return actor.ID != "" && actor.ID == res.Publisher
	}
	return actor.Role == rbac.RoleAdmin
}

type Machine struct {
	Now   func() time.Time
	NewID func() string
}

func NewMachine() Machine {
	return Machine{
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: func() string { return util.NewID("dec") },
	}
}

func (m Machine) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now()
}

func (m Machine) newID() string {
	if m.NewID == nil {
		return util.NewID("dec")
	}
	return m.NewID()
}

// Transition applies action to res on behalf of actor. Authorization is
// checked before legality, so a non-admin always gets ErrForbidden for admin
// actions. The input resource is never modified.
func (m Machine) Transition(res store.Resource, action Action, actor Actor) (store.Resource, store.ReviewDecision, error) {
	if !known(action) {
		return res, store.ReviewDecision{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if !authorize(res, action, actor) {
		return res, store.ReviewDecision{}, fmt.Errorf("%w: %s requires %s", ErrForbidden, action, requirement(action))
	}

	from := Normalize(res.Status)
	st, ok := resolve(from, action)
	if !ok {
		return res, store.ReviewDecision{}, fmt.Errorf("%w: cannot %s from %s", ErrInvalidTransition, action, from)
	}

	next := res
	next.Status = string(st.to)
	switch st.vis {
	case makePublic:
		next.IsPublic = true
	case makePrivate:
		next.IsPublic = false
	}
	return m.finish(res, next, string(action), actor)
}

// SetVisibility is the admin visibility switch. Status is unchanged. Hiding a
// published resource is rejected, since published always implies public; use
// unpublish instead.
func (m Machine) SetVisibility(res store.Resource, isPublic bool, actor Actor) (store.Resource, store.ReviewDecision, error) {
	if actor.Role != rbac.RoleAdmin {
		return res, store.ReviewDecision{}, fmt.Errorf("%w: visibility requires admin", ErrForbidden)
	}
	from := Normalize(res.Status)
	if from == StatusPublished && !isPublic {
		return res, store.ReviewDecision{}, fmt.Errorf("%w: published resources must stay public, unpublish first", ErrInvalidTransition)
	}
	next := res
	next.Status = string(from)
	next.IsPublic = isPublic
	return m.finish(res, next, actionSetVisibility, actor)
}

func (m Machine) finish(prev, next store.Resource, action string, actor Actor) (store.Resource, store.ReviewDecision, error) {
	at := m.now()
	next.UpdatedAt = at
	decision := store.ReviewDecision{
		ID:         m.newID(),
		ResourceID: next.ID,
		ActorID:    actor.ID,
		ActorRole:  string(actor.Role),
		Action:     action,
		FromStatus: string(Normalize(prev.Status)),
		ToStatus:   next.Status,
		IsPublic:   next.IsPublic,
		CreatedAt:  at,
	}
	return next, decision, nil
}

func requirement(action Action) string {
	if action == ActionResubmit {
		return "resource owner"
	}
	return "admin"
}

// Available lists the actions actor may take on res right now, in the order
// a review panel would show them. The cycle control is absent for rejected
// resources.
func Available(res store.Resource, actor Actor) []Action {
	from := Normalize(res.Status)
	out := make([]Action, 0, 3)
	for _, action := range Actions {
		if !authorize(res, action, actor) {
			continue
		}
		if _, ok := resolve(from, action); ok {
			out = append(out, action)
		}
	}
	return out
}
