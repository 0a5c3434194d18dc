package domain

import "time"

// GapClass is the classification assigned to a run of missing grid points.
// The classes partition every missing timestamp in a checked range: each
// point belongs to exactly one.
type GapClass string

const (
	GapWeekend   GapClass = "weekend"
	GapHoliday   GapClass = "holiday"
	GapFixable   GapClass = "fixable"
	GapUnfixable GapClass = "unfixable"
)

// Defect reports whether the class represents genuinely missing data rather
// than a legitimate market closure.
func (c GapClass) Defect() bool {
	return c == GapFixable || c == GapUnfixable
}

// GapRecord describes one contiguous run of missing grid timestamps,
// inclusive on both ends. Records are reported in chronological order and a
// fixable record always spans the narrowest window that needs re-fetching.
type GapRecord struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Classification GapClass  `json:"classification"`
	Reason         string    `json:"reason,omitempty"`
}
