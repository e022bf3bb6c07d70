package access

import "testing"

func TestEvaluate(t *testing.T) {
	grants := []Grant{
		{UserID: "u-edit", Tier: TierEdit},
		{UserID: "u-comment", Tier: TierComment},
		{UserID: "u-view", Tier: TierView},
		{UserID: "u-bogus", Tier: Tier("admin")},
	}

	cases := []struct {
		name  string
		user  string
		level Tier
		edit  bool
		comm  bool
		view  bool
	}{
		{name: "owner", user: "owner", level: TierEdit, edit: true, comm: true, view: true},
		{name: "edit grant", user: "u-edit", level: TierEdit, edit: true, comm: true, view: true},
		{name: "comment grant", user: "u-comment", level: TierComment, comm: true, view: true},
		{name: "view grant", user: "u-view", level: TierView, view: true},
		{name: "unknown tier", user: "u-bogus", level: TierNone},
		{name: "stranger", user: "nobody", level: TierNone},
		{name: "anonymous", user: "", level: TierNone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate("owner", tc.user, grants)
			if got.Level != tc.level || got.CanEdit != tc.edit || got.CanComment != tc.comm || got.CanView != tc.view {
				t.Fatalf("Evaluate(%q) = %+v", tc.user, got)
			}
		})
	}
}

func TestEvaluateHierarchyIsMonotonic(t *testing.T) {
	for _, tier := range []Tier{TierNone, TierView, TierComment, TierEdit} {
		a := FromTier(tier)
		if a.CanEdit && !a.CanComment {
			t.Fatalf("%s: edit without comment", tier)
		}
		if a.CanComment && !a.CanView {
			t.Fatalf("%s: comment without view", tier)
		}
		if a.CanEdit != (tier == TierEdit) {
			t.Fatalf("%s: CanEdit = %v", tier, a.CanEdit)
		}
	}
}

func TestEmptyOwnerNeverMatchesAnonymous(t *testing.T) {
	if got := Evaluate("", "", nil); got.CanView {
		t.Fatalf("anonymous user on ownerless document got %+v", got)
	}
}

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		tier   Tier
		action Action
		allow  bool
	}{
		{name: "view read", tier: TierView, action: ActionRead, allow: true},
		{name: "view comment", tier: TierView, action: ActionComment, allow: false},
		{name: "comment comment", tier: TierComment, action: ActionComment, allow: true},
		{name: "comment resolve", tier: TierComment, action: ActionResolve, allow: false},
		{name: "edit write", tier: TierEdit, action: ActionWrite, allow: true},
		{name: "edit share", tier: TierEdit, action: ActionShare, allow: false},
		{name: "none read", tier: TierNone, action: ActionRead, allow: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.tier, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.tier, tc.action, got, tc.allow)
			}
		})
	}
}

func TestFloor(t *testing.T) {
	if got := None.Floor(TierView); !got.CanView || got.CanComment {
		t.Fatalf("None.Floor(view) = %+v", got)
	}
	edit := FromTier(TierEdit)
	if got := edit.Floor(TierView); got != edit {
		t.Fatalf("edit.Floor(view) = %+v", got)
	}
}

func TestParseTier(t *testing.T) {
	if ParseTier("comment") != TierComment {
		t.Fatal("comment not parsed")
	}
	if ParseTier("owner") != TierNone {
		t.Fatal("unknown level should be none")
	}
	if Grantable(TierNone) {
		t.Fatal("none must not be grantable")
	}
}

func TestMemo(t *testing.T) {
	m := NewMemo()
	grants := []Grant{{UserID: "u1", Tier: TierView}}
	if got := m.Evaluate("o", "u1", 1, grants); got.Level != TierView {
		t.Fatalf("v1 = %+v", got)
	}
	// Same version returns the cached value even if the slice changed.
	grants[0].Tier = TierEdit
	if got := m.Evaluate("o", "u1", 1, grants); got.Level != TierView {
		t.Fatalf("cached v1 = %+v", got)
	}
	if got := m.Evaluate("o", "u1", 2, grants); got.Level != TierEdit {
		t.Fatalf("v2 = %+v", got)
	}
	if len(m.cache) != 1 {
		t.Fatalf("stale versions not evicted: %d entries", len(m.cache))
	}
}
