package pricing

import "testing"

func TestVolumeHourlyCostBillsStorageInFull(t *testing.T) {
	v := Volume{SizeGiB: 100, PricePerGiBMonth: 0.08}
	got := v.HourlyCost()
	want := (100 * 0.08) / HoursInMonth
	if got != want {
		t.Errorf("HourlyCost() = %v, want %v", got, want)
	}
}

func TestVolumeHourlyCostFreeTierAbsorbsIOPSAndThroughput(t *testing.T) {
	v := Volume{
		VolumeType:        "io2",
		SizeGiB:           50,
		IOPS:              2000,
		ThroughputMBps:    100,
		PricePerGiBMonth:  0.1,
		PricePerIOPSMonth: 0.005,
		PricePerMBpsMonth: 0.04,
	}
	got := v.HourlyCost()
	want := (50 * 0.1) / HoursInMonth
	if got != want {
		t.Errorf("expected IOPS/throughput within free tier to add nothing, got %v want %v", got, want)
	}
}

func TestVolumeHourlyCostBillsAboveFreeTier(t *testing.T) {
	v := Volume{
		SizeGiB:           0,
		IOPS:              4000,
		ThroughputMBps:    200,
		PricePerIOPSMonth: 0.01,
		PricePerMBpsMonth: 0.02,
	}
	got := v.HourlyCost()
	want := (1000*0.01 + 75*0.02) / HoursInMonth
	if got != want {
		t.Errorf("HourlyCost() = %v, want %v", got, want)
	}
}

func TestTotalEBSHourlyCostSumsVolumes(t *testing.T) {
	volumes := []Volume{
		{SizeGiB: 10, PricePerGiBMonth: 0.1},
		{SizeGiB: 20, PricePerGiBMonth: 0.1},
	}
	got := TotalEBSHourlyCost(volumes)
	want := (1.0 + 2.0) / HoursInMonth
	if got != want {
		t.Errorf("TotalEBSHourlyCost() = %v, want %v", got, want)
	}
}

func TestSaturatingSubFloorsAtZero(t *testing.T) {
	if got := saturatingSub(10, 20); got != 0 {
		t.Errorf("saturatingSub(10, 20) = %v, want 0", got)
	}
	if got := saturatingSub(20, 10); got != 10 {
		t.Errorf("saturatingSub(20, 10) = %v, want 10", got)
	}
}
