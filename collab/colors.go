package collab

import "hash/fnv"

// palette is the fixed set of presence colors. Assignment hashes the user
// ID, so a recurring collaborator keeps the same color across sessions.
var palette = []string{
	"#e06c75", // red
	"#98c379", // green
	"#e5c07b", // yellow
	"#61afef", // blue
	"#c678dd", // magenta
	"#56b6c2", // cyan
	"#d19a66", // orange
	"#abb2bf", // gray
}

// ColorFor returns the deterministic presence color for a user ID.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
