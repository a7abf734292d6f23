package encode

import (
	"fmt"
	"time"

	"github.com/gwlsn/stepdown/internal/media"
)

// Tier is one set of encoder resource parameters. Tiers are values; a ladder
// is rebuilt for every job.
type Tier struct {
	BF          int    `json:"bf"`          // B-frame (reorder) depth
	LAD         int    `json:"lad"`         // look-ahead depth
	AsyncDepth  int    `json:"async_depth"` // frames in flight
	Description string `json:"description"`
}

func (t Tier) String() string {
	return fmt.Sprintf("%s (bf=%d lad=%d async=%d)", t.Description, t.BF, t.LAD, t.AsyncDepth)
}

// HeuristicTierDescription labels a tier built from a learned profile.
const HeuristicTierDescription = "Heuristic Model"

// DefaultLadder returns the built-in tiers, most demanding first.
func DefaultLadder() []Tier {
	return []Tier{
		{BF: 7, LAD: 40, AsyncDepth: 8, Description: "Max Quality (High VRAM)"},
		{BF: 4, LAD: 20, AsyncDepth: 4, Description: "Balanced (Medium VRAM)"},
		{BF: 0, LAD: 10, AsyncDepth: 2, Description: "Safe Mode (Low VRAM)"},
	}
}

// Profile is the most aggressive tier known to have succeeded for a signature.
type Profile struct {
	BF           int       `json:"bf"`
	LAD          int       `json:"lad"`
	AsyncDepth   int       `json:"async_depth"`
	SuccessCount int64     `json:"success_count"`
	LastUsed     time.Time `json:"last_used"`
	LastSuccess  time.Time `json:"last_success"`
}

// Tier returns the profile as a ladder entry.
func (p Profile) Tier() Tier {
	return Tier{BF: p.BF, LAD: p.LAD, AsyncDepth: p.AsyncDepth, Description: HeuristicTierDescription}
}

// ProfileRecord pairs a profile with the signature it is stored under.
type ProfileRecord struct {
	Signature media.Signature `json:"signature"`
	Profile
}

// PlanLadder prunes ladder to tiers no more aggressive than profile.
// When nothing survives, the profile itself is tried first, ahead of the
// full ladder. A nil profile leaves the ladder as is. The input is not
// modified.
func PlanLadder(ladder []Tier, profile *Profile) []Tier {
	if profile == nil {
		return append([]Tier(nil), ladder...)
	}

	var planned []Tier
	for _, t := range ladder {
		if t.BF <= profile.BF && t.LAD <= profile.LAD {
			planned = append(planned, t)
		}
	}
	if len(planned) > 0 {
		return planned
	}

	planned = make([]Tier, 0, len(ladder)+1)
	planned = append(planned, profile.Tier())
	return append(planned, ladder...)
}
