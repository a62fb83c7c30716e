// Package pricing implements the cloud-pricing enrichment subsystem: it
// resolves the host's instance identity, scores candidate AWS Pricing
// catalog rows against the observed machine profile, and sums EC2 compute
// cost with free-tier-adjusted EBS cost into an hourly/minute figure
// attached to subsequent SystemProperties events.
package pricing

import (
	"sort"
	"strings"
)

// MatchWeights assigns a score contribution to each field compared between
// a Candidate and the Target machine profile.
type MatchWeights struct {
	Region          int
	InstanceType    int
	Tenancy         int
	OperatingSystem int
}

// DefaultWeights is the standard weight table: region 10, instance_type 10,
// tenancy 5, operating_system 5.
var DefaultWeights = MatchWeights{Region: 10, InstanceType: 10, Tenancy: 5, OperatingSystem: 5}

// MaxScore returns the maximum attainable score for these weights, used as
// the denominator of match_percentage.
func (w MatchWeights) MaxScore() int {
	return w.Region + w.InstanceType + w.Tenancy + w.OperatingSystem
}

// Target is the observed machine profile a catalog Candidate is scored
// against.
type Target struct {
	InstanceType     string
	Region           string
	AvailabilityZone string
	Tenancy          string
	OperatingSystem  string
	VCPU             int
	EBSOptimized     bool
}

// Candidate is a single AWS Pricing catalog entry. MatchPercentage is
// populated only on candidates returned by BestMatches.
type Candidate struct {
	InstanceType    string
	Region          string
	VCPU            int
	MemoryGiB       float64
	PricePerUnit    float64
	Unit            string
	Tenancy         string
	OperatingSystem string
	EBSOptimized    bool
	MatchPercentage float64
}

// scoreCandidate scores c against t with w: tenancy compared
// case-insensitively, operating_system by substring ("Linux" matches
// "Linux/UNIX"). Candidates reaching this point already passed the
// instance_type+region filter, so those two fields always contribute their
// full weight; tenancy and OS differentiate the candidates.
func scoreCandidate(c Candidate, t Target, w MatchWeights) int {
	score := 0
	if c.InstanceType == t.InstanceType {
		score += w.InstanceType
	}
	if c.Region == t.Region {
		score += w.Region
	}
	if strings.EqualFold(c.Tenancy, t.Tenancy) {
		score += w.Tenancy
	}
	if containsFold(c.OperatingSystem, t.OperatingSystem) {
		score += w.OperatingSystem
	}
	return score
}

// containsFold reports whether needle appears in haystack, case-insensitive
// (e.g. the target "Linux" appears within a candidate's "Linux/UNIX"). An
// empty needle means the caller expressed no preference for this field and
// is treated as matching anything.
func containsFold(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// BestMatches filters candidates to those whose instance_type and region
// equal the target's, scores the survivors, sorts by descending score then
// ascending price, and returns the top N with MatchPercentage populated.
// Returns nil if no candidate passes the filter.
func BestMatches(candidates []Candidate, t Target, w MatchWeights, topN int) []Candidate {
	if topN <= 0 {
		topN = 2
	}

	filtered := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.InstanceType != t.InstanceType || c.Region != t.Region {
			continue
		}
		filtered = append(filtered, c)
	}
	if len(filtered) == 0 {
		return nil
	}

	ranked := make([]scoredCandidate, 0, len(filtered))
	for _, c := range filtered {
		ranked = append(ranked, scoredCandidate{c: c, score: scoreCandidate(c, t, w)})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].c.PricePerUnit < ranked[j].c.PricePerUnit
	})

	maxScore := w.MaxScore()
	if len(ranked) < topN {
		topN = len(ranked)
	}
	out := make([]Candidate, topN)
	for i := 0; i < topN; i++ {
		c := ranked[i].c
		if maxScore > 0 {
			c.MatchPercentage = float64(ranked[i].score) / float64(maxScore) * 100
		}
		out[i] = c
	}
	return out
}

// scoredCandidate pairs a Candidate with its score for sorting in BestMatches.
type scoredCandidate struct {
	c     Candidate
	score int
}
