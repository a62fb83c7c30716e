package pricing

import "testing"

func TestBestMatchesOrdersByScore(t *testing.T) {
	target := Target{InstanceType: "m5.large", Region: "us-east-1", Tenancy: "Shared", OperatingSystem: "Linux"}
	candidates := []Candidate{
		{InstanceType: "m5.large", Region: "us-east-1", Tenancy: "Dedicated", OperatingSystem: "Linux", PricePerUnit: 0.2},
		{InstanceType: "m5.large", Region: "us-east-1", Tenancy: "Shared", OperatingSystem: "Linux/UNIX", PricePerUnit: 0.096},
		{InstanceType: "m5.large", Region: "us-east-1", Tenancy: "Shared", OperatingSystem: "Windows", PricePerUnit: 0.18},
	}

	best := BestMatches(candidates, target, DefaultWeights, 3)
	if len(best) != 3 {
		t.Fatalf("expected all 3 same-instance/region candidates ranked, got %d", len(best))
	}
	if best[0].PricePerUnit != 0.096 {
		t.Errorf("expected the exact tenancy+OS match to rank first, got price %v", best[0].PricePerUnit)
	}
	if best[0].MatchPercentage != 100 {
		t.Errorf("expected a full-weight match to score 100%%, got %v", best[0].MatchPercentage)
	}
	if best[1].MatchPercentage >= best[0].MatchPercentage {
		t.Errorf("expected partial matches below 100%%, got %v", best[1].MatchPercentage)
	}
}

// Two price rows for the same instance type and region where one carries a
// mismatching tenancy attribute: the best match scores the full 30/30, and
// the mismatched row ranks second with a lower score instead of being
// excluded.
func TestBestMatchesTopNWithLowerScoredSecond(t *testing.T) {
	target := Target{InstanceType: "m5.large", Region: "us-east-1", Tenancy: "Shared", OperatingSystem: "Linux"}
	candidates := []Candidate{
		{InstanceType: "m5.large", Region: "us-east-1", Tenancy: "Shared", OperatingSystem: "Linux/UNIX", PricePerUnit: 0.096, Unit: "Hrs"},
		{InstanceType: "m5.large", Region: "us-east-1", Tenancy: "Dedicated", OperatingSystem: "Linux/UNIX", PricePerUnit: 0.05, Unit: "Hrs"},
	}

	best := BestMatches(candidates, target, DefaultWeights, 2)
	if len(best) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(best))
	}
	if best[0].MatchPercentage != 100 {
		t.Errorf("expected best match at 30/30 = 100%%, got %v", best[0].MatchPercentage)
	}
	if best[1].Tenancy != "Dedicated" || best[1].MatchPercentage >= 100 {
		t.Errorf("expected the tenancy-mismatched row second with a lower score, got %+v", best[1])
	}
}

func TestBestMatchesTiesBreakOnLowestPrice(t *testing.T) {
	target := Target{InstanceType: "m5.large", Region: "us-east-1", Tenancy: "Shared", OperatingSystem: "Linux"}
	candidates := []Candidate{
		{InstanceType: "m5.large", Region: "us-east-1", Tenancy: "Shared", OperatingSystem: "Linux/UNIX", PricePerUnit: 0.12},
		{InstanceType: "m5.large", Region: "us-east-1", Tenancy: "shared", OperatingSystem: "Linux/UNIX", PricePerUnit: 0.096},
	}

	best := BestMatches(candidates, target, DefaultWeights, 2)
	if len(best) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(best))
	}
	if best[0].PricePerUnit != 0.096 {
		t.Errorf("expected the cheaper tied-score candidate first, got %+v", best[0])
	}
}

func TestBestMatchesFiltersOnInstanceTypeAndRegion(t *testing.T) {
	target := Target{InstanceType: "m5.large", Region: "us-east-1"}
	candidates := []Candidate{
		{InstanceType: "m5.xlarge", Region: "us-east-1", PricePerUnit: 0.2},
		{InstanceType: "m5.large", Region: "eu-west-1", PricePerUnit: 0.1},
	}

	best := BestMatches(candidates, target, DefaultWeights, 5)
	if len(best) != 0 {
		t.Fatalf("expected no matches for a different instance_type/region, got %d", len(best))
	}
}

func TestBestMatchesCapsAtTopN(t *testing.T) {
	target := Target{InstanceType: "m5.large", Region: "us-east-1"}
	var candidates []Candidate
	for i := 0; i < 5; i++ {
		candidates = append(candidates, Candidate{InstanceType: "m5.large", Region: "us-east-1", PricePerUnit: float64(i)})
	}

	best := BestMatches(candidates, target, DefaultWeights, 2)
	if len(best) != 2 {
		t.Fatalf("expected topN=2 matches, got %d", len(best))
	}
}
