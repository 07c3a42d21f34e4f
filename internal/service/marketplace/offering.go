package marketplace

import (
	"sort"

	"PolySignals/internal/domain/models"
)

// NewOffering builds the listing published to the marketplace. Tiers are
// ordered highest first and a higher tier may never wait longer than a
// lower one.
func NewOffering(service, description string, terms ...models.TierTerms) (models.Offering, error) {
	const op = "offering.new"
	if service == "" {
		return models.Offering{}, models.Errorf(models.KindConfiguration, op, "service name is required")
	}
	out := make([]models.TierTerms, 0, len(terms))
	seen := map[models.Tier]bool{}
	for _, t := range terms {
		if !t.Tier.Valid() {
			return models.Offering{}, models.Errorf(models.KindConfiguration, op, "unknown tier %q", t.Tier)
		}
		if seen[t.Tier] {
			return models.Offering{}, models.Errorf(models.KindConfiguration, op, "tier %s listed twice", t.Tier)
		}
		if t.Latency < 0 || t.Price < 0 {
			return models.Offering{}, models.Errorf(models.KindConfiguration, op, "tier %s: negative latency or price", t.Tier)
		}
		seen[t.Tier] = true
		t.LatencyStr = t.Latency.String()
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier.Rank() > out[j].Tier.Rank() })
	for i := 1; i < len(out); i++ {
		if out[i].Latency < out[i-1].Latency {
			return models.Offering{}, models.Errorf(models.KindConfiguration, op,
				"tier %s is faster than %s", out[i].Tier, out[i-1].Tier)
		}
	}
	return models.Offering{Service: service, Description: description, Tiers: out}, nil
}
