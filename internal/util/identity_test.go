package util

import "testing"

func TestUserColor(t *testing.T) {
	cases := []struct {
		id   string
		want string
	}{
		{"", "#3B82F6"},
		{"a", "#10B981"},
		{"ab", "#EF4444"},
		{"user-1", "#EC4899"},
	}
	for _, tc := range cases {
		if got := UserColor(tc.id); got != tc.want {
			t.Errorf("UserColor(%q) = %s, want %s", tc.id, got, tc.want)
		}
		if UserColor(tc.id) != UserColor(tc.id) {
			t.Errorf("UserColor(%q) is not stable", tc.id)
		}
	}
}

func TestDisplayName(t *testing.T) {
	cases := map[string]string{
		"ada@example.com": "ada",
		"ada":             "ada",
		"":                "Anonymous",
		"@example.com":    "Anonymous",
	}
	for email, want := range cases {
		if got := DisplayName(email); got != want {
			t.Errorf("DisplayName(%q) = %q, want %q", email, got, want)
		}
	}
}
