package pricing

// HoursInMonth, FreeIOPS, and FreeThroughputMBps are the billing and
// free-tier adjustment constants for EBS volumes.
const (
	HoursInMonth       = 720
	FreeIOPS           = 3000.0
	FreeThroughputMBps = 125.0
)

// Volume is an attached EBS volume and its catalog unit prices. Prices are
// monthly rates; IOPS/ThroughputMBps are the volume's provisioned values
// (zero if not applicable to the volume type, e.g. gp2).
type Volume struct {
	VolumeID          string
	VolumeType        string
	SizeGiB           float64
	IOPS              float64
	ThroughputMBps    float64
	PricePerGiBMonth  float64
	PricePerIOPSMonth float64
	PricePerMBpsMonth float64
}

// HourlyCost computes v's free-tier-adjusted hourly cost: storage is always
// billed in full, while IOPS and throughput are billed only above the free
// allowance (3000 IOPS, 125 MBps), floored at zero per volume.
func (v Volume) HourlyCost() float64 {
	extraIOPS := saturatingSub(v.IOPS, FreeIOPS)
	extraThroughput := saturatingSub(v.ThroughputMBps, FreeThroughputMBps)

	monthly := v.SizeGiB*v.PricePerGiBMonth +
		extraIOPS*v.PricePerIOPSMonth +
		extraThroughput*v.PricePerMBpsMonth

	return monthly / HoursInMonth
}

// TotalEBSHourlyCost sums HourlyCost across every attached volume.
func TotalEBSHourlyCost(volumes []Volume) float64 {
	var total float64
	for _, v := range volumes {
		total += v.HourlyCost()
	}
	return total
}

func saturatingSub(a, b float64) float64 {
	if a < b {
		return 0
	}
	return a - b
}
