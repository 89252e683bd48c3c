package extract

// Thresholds drive the selection rules. All lengths are rune counts of the
// trimmed text content.
type Thresholds struct {
	Min           int     // eligibility floor
	Good          int     // early-accept length
	OverrideRatio float64 // a structured/statistical candidate this many times longer beats a DOM winner
}

// DefaultThresholds returns MIN=200, GOOD=500 and a 2x override.
func DefaultThresholds() Thresholds {
	return Thresholds{Min: 200, Good: 500, OverrideRatio: 2.0}
}

func (th Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if th.Min <= 0 {
		th.Min = d.Min
	}
	if th.Good < th.Min {
		th.Good = max(d.Good, th.Min)
	}
	if th.OverrideRatio <= 1 {
		th.OverrideRatio = d.OverrideRatio
	}
	return th
}

// Select reduces candidates, given in priority order with nil for strategies
// that found nothing, to one winner:
//
//  1. the first candidate reaching Good wins outright;
//  2. otherwise the longest candidate reaching Min wins, earlier on ties;
//  3. a DOM winner loses to a structured or statistical candidate more than
//     OverrideRatio times its length;
//  4. with nothing reaching Min, the longest candidate is returned so the
//     caller can report insufficient content.
//
// The winner is a copy whose empty metadata is backfilled from the other
// candidates in priority order. Select returns nil only when every candidate
// is nil or empty.
func Select(cands []*Candidate, th Thresholds) *Candidate {
	th = th.withDefaults()

	var (
		winner   *Candidate
		longest  *Candidate
		eligible []*Candidate
	)
	for _, c := range cands {
		if c.Length() == 0 {
			continue
		}
		if c.Length() > longest.Length() {
			longest = c
		}
		if c.Length() < th.Min {
			continue
		}
		eligible = append(eligible, c)
		if winner == nil && c.Length() >= th.Good {
			winner = c
		}
	}
	if longest == nil {
		return nil
	}

	if winner == nil {
		for _, c := range eligible {
			if c.Length() > winner.Length() {
				winner = c
			}
		}
	}
	if winner == nil {
		winner = longest
	} else if winner.Kind == KindDOM {
		winner = override(winner, eligible, th.OverrideRatio)
	}

	out := winner.Clone()
	for _, c := range cands {
		if c != winner {
			out.Backfill(c)
		}
	}
	return out
}

func override(winner *Candidate, eligible []*Candidate, ratio float64) *Candidate {
	floor := float64(winner.Length()) * ratio
	best := winner
	for _, c := range eligible {
		if c.Kind != KindStructured && c.Kind != KindStatistical {
			continue
		}
		if float64(c.Length()) > floor && c.Length() > best.Length() {
			best = c
		}
	}
	return best
}
