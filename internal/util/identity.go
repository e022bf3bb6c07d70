package util

import "strings"

// Palette holds the colors assigned to collaborators.
var Palette = []string{
	"#3B82F6",
	"#10B981",
	"#F59E0B",
	"#EF4444",
	"#8B5CF6",
	"#EC4899",
	"#14B8A6",
	"#F97316",
}

// UserColor picks a stable palette color from the sum of the id's characters.
func UserColor(userID string) string {
	sum := 0
	for _, r := range userID {
		sum += int(r)
	}
	return Palette[sum%len(Palette)]
}

// DisplayName is the local part of an email address, or "Anonymous".
func DisplayName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	if local == "" {
		return "Anonymous"
	}
	return local
}
