// Package driver defines the opaque PPD-parser boundary spec §4.5/§9
// deliberately keeps outside this engine's scope: driver descriptor
// parsing is an external collaborator, consulted through this
// interface rather than implemented here.
package driver

// Entry is one candidate produced by parsing a driver descriptor: the
// MIME type it yields, the relative cost of using it (lower wins), and
// the filter command to invoke to produce content of that type.
type Entry struct {
	MIME      string
	Cost      int
	FilterCmd string
}

// Parser loads a driver descriptor (a PPD file, in the system this was
// distilled from) and returns its candidate entries. Implementations
// live outside this module; this engine only consumes the result.
type Parser interface {
	Load(path string) ([]Entry, error)
}

// NullParser always returns no entries, causing every SetDriver call to
// fall back to the default content type per spec §4.5 step 2. Useful
// as a default when no real PPD parser is wired in.
type NullParser struct{}

func (NullParser) Load(string) ([]Entry, error) { return nil, nil }

// DefaultContentType is used when a driver load yields no entries.
const DefaultContentType = "application/vnd.cups-pdf"

// SelectLowestCost picks the entry with the lowest Cost, the first
// encountered winning ties, matching spec §4.5 step 2's stability
// requirement.
func SelectLowestCost(entries []Entry) (mime, filterCmd string) {
	if len(entries) == 0 {
		return DefaultContentType, ""
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if e.Cost < best.Cost {
			best = e
		}
	}
	return best.MIME, best.FilterCmd
}
