package pricing

import (
	"encoding/json"
	"strconv"
	"strings"
)

// priceListProduct is the subset of an AWS Price List API product document
// (one JSON string per pricing.GetProductsOutput.PriceList entry) that
// Candidate construction needs.
type priceListProduct struct {
	Product struct {
		Attributes struct {
			InstanceType    string `json:"instanceType"`
			Location        string `json:"location"`
			RegionCode      string `json:"regionCode"`
			VCPU            string `json:"vcpu"`
			Memory          string `json:"memory"`
			Tenancy         string `json:"tenancy"`
			OperatingSystem string `json:"operatingSystem"`
			PreInstalledSW  string `json:"preInstalledSw"`
		} `json:"attributes"`
	} `json:"product"`
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				PricePerUnit map[string]string `json:"pricePerUnit"`
				Unit         string             `json:"unit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

// parsePriceListEntry parses one AWS Price List API JSON document into a
// Candidate. Returns ok=false if the document is malformed or carries no
// on-demand USD price dimension, rather than failing the whole catalog
// lookup over one bad entry.
func parsePriceListEntry(raw, instanceType, region string) (Candidate, bool) {
	var p priceListProduct
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Candidate{}, false
	}

	var pricePerUnit float64
	var unit string
	found := false
	for _, term := range p.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			usd, ok := dim.PricePerUnit["USD"]
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(usd, 64)
			if err != nil {
				continue
			}
			pricePerUnit = v
			unit = dim.Unit
			found = true
			break
		}
		if found {
			break
		}
	}
	if !found {
		return Candidate{}, false
	}

	vcpu := parseIntLoose(p.Product.Attributes.VCPU)
	memGiB := parseMemoryGiB(p.Product.Attributes.Memory)

	return Candidate{
		InstanceType:    instanceType,
		Region:          region,
		VCPU:            vcpu,
		MemoryGiB:       memGiB,
		PricePerUnit:    pricePerUnit,
		Unit:            unit,
		Tenancy:         p.Product.Attributes.Tenancy,
		OperatingSystem: p.Product.Attributes.OperatingSystem,
		EBSOptimized:    false,
	}, true
}

// parseIntLoose parses a leading integer from s (e.g. "4"), returning 0 for
// anything unparseable rather than erroring — vcpu is a soft display/scoring
// hint, not a correctness-critical field.
func parseIntLoose(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// parseMemoryGiB parses AWS's "16 GiB" memory attribute format into a
// float64 GiB value.
func parseMemoryGiB(s string) float64 {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "GiB")
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
