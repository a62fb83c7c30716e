package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"go.uber.org/zap"

	"github.com/tracer-cloud/tracer/internal/storage"
)

// CostSummary is the resolved cost figure attached to subsequent
// SystemProperties events.
type CostSummary struct {
	InstanceType    string
	Region          string
	MatchPercentage float64
	CostPerHour     float64
	CostPerMinute   float64
}

// Enricher resolves the host's AWS instance identity and produces a
// CostSummary by scoring AWS Pricing catalog candidates against it. The
// free-tier-adjusted EBS term is computed from attached volumes whose unit
// prices are zero (no EBS price lookup is made), so it adds nothing to the
// cost. Every failure mode degrades softly:
// Resolve returns (nil, nil) rather than an error when pricing cannot be
// determined, and the daemon runs unmodified without a cost figure.
type Enricher struct {
	imdsClient    *imds.Client
	ec2Client     *ec2.Client
	pricingClient *pricing.Client
	cache         *storage.DB
	weights       MatchWeights
	topN          int
	cacheTTL      time.Duration
	log           *zap.Logger
}

// NewEnricher constructs an Enricher from a loaded AWS SDK config, the
// shared pricing-catalog cache, and the daemon's match-weight/TopN/TTL
// tunables (config.PricingConfig).
func NewEnricher(awsCfg awsconfigLoader, cache *storage.DB, topN int, cacheTTL time.Duration, log *zap.Logger) (*Enricher, error) {
	cfg, err := awsCfg.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if topN <= 0 {
		topN = 2
	}
	return &Enricher{
		imdsClient:    imds.NewFromConfig(cfg),
		ec2Client:     ec2.NewFromConfig(cfg),
		pricingClient: pricing.NewFromConfig(cfg, func(o *pricing.Options) { o.Region = "us-east-1" }),
		cache:         cache,
		weights:       DefaultWeights,
		topN:          topN,
		cacheTTL:      cacheTTL,
		log:           log,
	}, nil
}

// awsconfigLoader abstracts awsconfig.LoadDefaultConfig for testability.
type awsconfigLoader interface {
	Load(ctx context.Context) (aws.Config, error)
}

// DefaultAWSConfigLoader loads the standard AWS SDK default config chain.
type DefaultAWSConfigLoader struct{}

func (DefaultAWSConfigLoader) Load(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

// Resolve identifies the host via IMDS, fetches attached-volume metadata via
// EC2, scores AWS Pricing catalog candidates (cached or fresh) against the
// observed profile, and returns the combined EC2+EBS hourly/minute cost.
// The EBS part is zero (see attachedVolumes), so the cost is the EC2 price.
// Returns (nil, nil) — never an error — on any resolution failure, so
// callers never need special-case handling beyond a nil check.
func (e *Enricher) Resolve(ctx context.Context) (*CostSummary, error) {
	target, err := e.identify(ctx)
	if err != nil {
		e.log.Info("pricing: instance identity unavailable, skipping cost enrichment", zap.Error(err))
		return nil, nil
	}

	candidates, err := e.catalogCandidates(ctx, target.InstanceType, target.Region)
	if err != nil {
		e.log.Warn("pricing: catalog lookup failed", zap.Error(err))
		return nil, nil
	}
	if len(candidates) == 0 {
		e.log.Info("pricing: no catalog candidates for instance, skipping cost enrichment",
			zap.String("instance_type", target.InstanceType), zap.String("region", target.Region))
		return nil, nil
	}

	best := BestMatches(candidates, target, e.weights, e.topN)
	if len(best) == 0 {
		return nil, nil
	}
	top := best[0]

	volumes, err := e.attachedVolumes(ctx)
	if err != nil {
		e.log.Warn("pricing: EBS volume lookup failed, using EC2-only cost", zap.Error(err))
	}
	ebsHourly := TotalEBSHourlyCost(volumes)

	hourly := top.PricePerUnit + ebsHourly
	return &CostSummary{
		InstanceType:    target.InstanceType,
		Region:          target.Region,
		MatchPercentage: top.MatchPercentage,
		CostPerHour:     hourly,
		CostPerMinute:   hourly / 60,
	}, nil
}

// identify calls IMDS to build the Target machine profile. Non-AWS hosts
// and IMDS timeouts surface as an error here, which Resolve treats as a
// soft failure.
func (e *Enricher) identify(ctx context.Context) (Target, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	doc, err := e.imdsClient.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return Target{}, fmt.Errorf("IMDS identity document: %w", err)
	}

	tenancy := "Shared"
	if out, err := e.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{doc.InstanceID},
	}); err == nil {
		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				if inst.Placement != nil {
					tenancy = string(inst.Placement.Tenancy)
				}
			}
		}
	}

	return Target{
		InstanceType:     doc.InstanceType,
		Region:           doc.Region,
		AvailabilityZone: doc.AvailabilityZone,
		Tenancy:          tenancy,
		OperatingSystem:  "Linux",
	}, nil
}

// attachedVolumes fetches EBS volume metadata for the current instance via
// IMDS + EC2 DescribeVolumes. The per-unit prices of the returned volumes
// are zero: no EBS price lookup by volume type is made, so the EBS cost
// computed from them is zero.
func (e *Enricher) attachedVolumes(ctx context.Context) ([]Volume, error) {
	doc, err := e.imdsClient.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return nil, fmt.Errorf("IMDS identity document: %w", err)
	}

	out, err := e.ec2Client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{
			{Name: strPtr("attachment.instance-id"), Values: []string{doc.InstanceID}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("DescribeVolumes: %w", err)
	}

	volumes := make([]Volume, 0, len(out.Volumes))
	for _, v := range out.Volumes {
		vol := Volume{VolumeType: string(v.VolumeType)}
		if v.Size != nil {
			vol.SizeGiB = float64(*v.Size)
		}
		if v.Iops != nil {
			vol.IOPS = float64(*v.Iops)
		}
		if v.Throughput != nil {
			vol.ThroughputMBps = float64(*v.Throughput)
		}
		if v.VolumeId != nil {
			vol.VolumeID = *v.VolumeId
		}
		volumes = append(volumes, vol)
	}
	return volumes, nil
}

// catalogCandidates returns cached candidates if a fresh entry exists,
// otherwise queries the AWS Pricing API and refreshes the cache.
func (e *Enricher) catalogCandidates(ctx context.Context, instanceType, region string) ([]Candidate, error) {
	if e.cache != nil {
		if entry, err := e.cache.GetCatalogEntry(instanceType, region, e.cacheTTL); err == nil && entry != nil {
			e.log.Debug("pricing: catalog cache hit", zap.String("instance_type", instanceType), zap.String("region", region))
			return fromStorageCandidates(entry.Candidates), nil
		}
	}

	candidates, err := e.queryPricingAPI(ctx, instanceType, region)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		entry := storage.CatalogEntry{
			InstanceType: instanceType,
			Region:       region,
			Candidates:   toStorageCandidates(candidates),
		}
		if err := e.cache.PutCatalogEntry(entry); err != nil {
			e.log.Warn("pricing: failed to persist catalog cache entry", zap.Error(err))
		}
	}

	return candidates, nil
}

// queryPricingAPI issues a GetProducts request against AWS's EC2 price list
// service, filtered to instanceType and region, and parses the returned
// price-list JSON blobs into Candidates.
func (e *Enricher) queryPricingAPI(ctx context.Context, instanceType, region string) ([]Candidate, error) {
	out, err := e.pricingClient.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: strPtr("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("instanceType"), Value: strPtr(instanceType)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("regionCode"), Value: strPtr(region)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("preInstalledSw"), Value: strPtr("NA")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("capacitystatus"), Value: strPtr("Used")},
		},
		MaxResults: int32Ptr(20),
	})
	if err != nil {
		return nil, fmt.Errorf("GetProducts: %w", err)
	}

	candidates := make([]Candidate, 0, len(out.PriceList))
	for _, raw := range out.PriceList {
		c, ok := parsePriceListEntry(raw, instanceType, region)
		if ok {
			candidates = append(candidates, c)
		}
	}
	return candidates, nil
}

func toStorageCandidates(cs []Candidate) []storage.CatalogCandidate {
	out := make([]storage.CatalogCandidate, len(cs))
	for i, c := range cs {
		out[i] = storage.CatalogCandidate{
			InstanceType:    c.InstanceType,
			Region:          c.Region,
			VCPU:            c.VCPU,
			MemoryGiB:       c.MemoryGiB,
			PricePerUnit:    c.PricePerUnit,
			Unit:            c.Unit,
			Tenancy:         c.Tenancy,
			OperatingSystem: c.OperatingSystem,
			EBSOptimized:    c.EBSOptimized,
		}
	}
	return out
}

func fromStorageCandidates(cs []storage.CatalogCandidate) []Candidate {
	out := make([]Candidate, len(cs))
	for i, c := range cs {
		out[i] = Candidate{
			InstanceType:    c.InstanceType,
			Region:          c.Region,
			VCPU:            c.VCPU,
			MemoryGiB:       c.MemoryGiB,
			PricePerUnit:    c.PricePerUnit,
			Unit:            c.Unit,
			Tenancy:         c.Tenancy,
			OperatingSystem: c.OperatingSystem,
			EBSOptimized:    c.EBSOptimized,
		}
	}
	return out
}

func strPtr(s string) *string { return &s }
func int32Ptr(i int32) *int32 { return &i }
