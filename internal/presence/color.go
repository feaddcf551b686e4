package presence

import "github.com/cespare/xxhash/v2"

// Palette is the fixed set of participant colors.
var Palette = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#96CEB4",
	"#FECA57",
	"#FF9FF3",
	"#54A0FF",
	"#5F27CD",
}

// ColorFor returns a participant's color. It depends only on the user id, so
// colors do not reshuffle as the roster changes.
func ColorFor(userID string) string {
	return Palette[xxhash.Sum64String(userID)%uint64(len(Palette))]
}
