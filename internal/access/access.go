// Package access computes a user's permission tier for a document from
// ownership and collaborator grants.
package access

import "sync"

type Tier string

type Action string

const (
	TierNone    Tier = "none"
	TierView    Tier = "view"
	TierComment Tier = "comment"
	TierEdit    Tier = "edit"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	ActionResolve Action = "resolve"
	ActionShare   Action = "share"
	ActionDelete  Action = "delete"
)

var rank = map[Tier]int{
	TierNone:    0,
	TierView:    1,
	TierComment: 2,
	TierEdit:    3,
}

// Rank orders tiers; unknown tiers rank as none.
func (t Tier) Rank() int {
	return rank[t]
}

// AtLeast reports whether t implies every capability of min.
func (t Tier) AtLeast(min Tier) bool {
	return t.Rank() >= min.Rank()
}

func (t Tier) Valid() bool {
	_, ok := rank[t]
	return ok
}

// ParseTier normalizes a stored access level. Anything unrecognized is none.
func ParseTier(value string) Tier {
	switch Tier(value) {
	case TierView, TierComment, TierEdit:
		return Tier(value)
	default:
		return TierNone
	}
}

// Grantable reports whether a tier may be stored on a collaborator grant.
func Grantable(t Tier) bool {
	return t == TierView || t == TierComment || t == TierEdit
}

// Grant is the subset of a collaborator record the evaluator needs.
type Grant struct {
	UserID string
	Tier   Tier
}

type Access struct {
	CanEdit    bool
	CanComment bool
	CanView    bool
	Level      Tier
}

// None is the fail-closed result.
var None = Access{Level: TierNone}

// Evaluate resolves the access of userID on a document owned by ownerID.
// The owner always resolves to edit. Otherwise the first grant bound to
// userID decides; no grant means no access.
func Evaluate(ownerID, userID string, grants []Grant) Access {
	if userID != "" && userID == ownerID {
		return FromTier(TierEdit)
	}
	if userID == "" {
		return None
	}
	for _, g := range grants {
		if g.UserID == userID {
			return FromTier(g.Tier)
		}
	}
	return None
}

func FromTier(t Tier) Access {
	if !t.Valid() {
		t = TierNone
	}
	return Access{
		CanEdit:    t.AtLeast(TierEdit),
		CanComment: t.AtLeast(TierComment),
		CanView:    t.AtLeast(TierView),
		Level:      t,
	}
}

// Floor raises a to at least tier t. Used for public documents, which every
// signed-in user may read.
func (a Access) Floor(t Tier) Access {
	if a.Level.AtLeast(t) {
		return a
	}
	return FromTier(t)
}

// Can maps named actions onto the tier hierarchy.
func Can(t Tier, action Action) bool {
	switch action {
	case ActionRead:
		return t.AtLeast(TierView)
	case ActionComment:
		return t.AtLeast(TierComment)
	case ActionWrite, ActionResolve, ActionDelete:
		return t.AtLeast(TierEdit)
	default:
		return false
	}
}

type memoKey struct {
	owner   string
	user    string
	version uint64
}

// Memo caches Evaluate results per (owner, user, grants version). Callers
// bump the version whenever the grant list changes.
type Memo struct {
	mu    sync.Mutex
	cache map[memoKey]Access
}

func NewMemo() *Memo {
	return &Memo{cache: make(map[memoKey]Access)}
}

func (m *Memo) Evaluate(ownerID, userID string, version uint64, grants []Grant) Access {
	key := memoKey{owner: ownerID, user: userID, version: version}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.cache[key]; ok {
		return cached
	}
	result := Evaluate(ownerID, userID, grants)
	for k := range m.cache {
		if k.owner == ownerID && k.user == userID && k.version != version {
			delete(m.cache, k)
		}
	}
	m.cache[key] = result
	return result
}
