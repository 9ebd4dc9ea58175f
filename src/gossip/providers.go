package gossip

import (
	"sort"
)

// Provider ranking weights. Ratios arrive as per-mille integers; missing
// fields score neutral 0.5. Freshness decays linearly to zero at the TTL;
// latency saturates at the worst-case bound.
const (
	weightFreshness = 0.20
	weightUptime    = 0.20
	weightChallenge = 0.20
	weightCapacity  = 0.20
	weightLoad      = 0.10
	weightLatency   = 0.10

	neutralScore   = 0.5
	worstLatencyMs = 1000
	freshnessTTLMs = 10 * 60 * 1000

	// MaxProviderCandidates caps how many ranked providers a fetch tries.
	MaxProviderCandidates = 8
)

// ProviderRecord describes one provider of a content hash. Capability fields
// are optional; a record with none of them is ranked by recency alone.
type ProviderRecord struct {
	NodeID                string  `json:"node_id"`
	StorageAvailableBytes *uint64 `json:"storage_available_bytes,omitempty"`
	UptimePerMille        *uint32 `json:"uptime_per_mille,omitempty"`
	ChallengePassPerMille *uint32 `json:"challenge_pass_per_mille,omitempty"`
	LoadPerMille          *uint32 `json:"load_per_mille,omitempty"`
	P50LatencyMs          *uint32 `json:"p50_latency_ms,omitempty"`
	LastSeenMs            int64   `json:"last_seen_ms"`
}

func (r ProviderRecord) hasCapabilities() bool {
	return r.StorageAvailableBytes != nil ||
		r.UptimePerMille != nil ||
		r.ChallengePassPerMille != nil ||
		r.LoadPerMille != nil ||
		r.P50LatencyMs != nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func perMilleScore(v *uint32) float64 {
	if v == nil {
		return neutralScore
	}
	return clamp01(float64(*v) / 1000)
}

func freshnessScore(lastSeenMs, nowMs int64) float64 {
	age := nowMs - lastSeenMs
	if age < 0 {
		age = 0
	}
	if age >= freshnessTTLMs {
		return 0
	}
	return 1 - float64(age)/float64(freshnessTTLMs)
}

// score computes a provider's weighted ranking score. maxAvailable is the
// largest advertised capacity among the candidates, used to normalize.
func score(r ProviderRecord, nowMs int64, maxAvailable uint64) float64 {
	capacity := neutralScore
	if r.StorageAvailableBytes != nil {
		if maxAvailable == 0 {
			capacity = 0
		} else {
			capacity = clamp01(float64(*r.StorageAvailableBytes) / float64(maxAvailable))
		}
	}

	load := neutralScore
	if r.LoadPerMille != nil {
		load = 1 - clamp01(float64(*r.LoadPerMille)/1000)
	}

	latency := neutralScore
	if r.P50LatencyMs != nil {
		l := *r.P50LatencyMs
		if l > worstLatencyMs {
			l = worstLatencyMs
		}
		latency = 1 - float64(l)/worstLatencyMs
	}

	return weightFreshness*freshnessScore(r.LastSeenMs, nowMs) +
		weightUptime*perMilleScore(r.UptimePerMille) +
		weightChallenge*perMilleScore(r.ChallengePassPerMille) +
		weightCapacity*capacity +
		weightLoad*load +
		weightLatency*latency
}

// RankProviders orders candidate providers best-first: weighted capability
// score, then recency, then lexicographic node id. Duplicate node ids keep
// their most recent record. When no record carries capability fields the
// ranking is recency-only. At most MaxProviderCandidates ids are returned.
func RankProviders(records []ProviderRecord, nowMs int64) []string {
	byNode := map[string]ProviderRecord{}
	for _, r := range records {
		if existing, ok := byNode[r.NodeID]; !ok || r.LastSeenMs > existing.LastSeenMs {
			byNode[r.NodeID] = r
		}
	}

	deduped := make([]ProviderRecord, 0, len(byNode))
	anyCapabilities := false
	var maxAvailable uint64
	for _, r := range byNode {
		deduped = append(deduped, r)
		if r.hasCapabilities() {
			anyCapabilities = true
		}
		if r.StorageAvailableBytes != nil && *r.StorageAvailableBytes > maxAvailable {
			maxAvailable = *r.StorageAvailableBytes
		}
	}

	sort.Slice(deduped, func(i, j int) bool {
		a, b := deduped[i], deduped[j]
		if anyCapabilities {
			sa, sb := score(a, nowMs, maxAvailable), score(b, nowMs, maxAvailable)
			if sa != sb {
				return sa > sb
			}
		}
		if a.LastSeenMs != b.LastSeenMs {
			return a.LastSeenMs > b.LastSeenMs
		}
		return a.NodeID < b.NodeID
	})

	limit := len(deduped)
	if limit > MaxProviderCandidates {
		limit = MaxProviderCandidates
	}
	out := make([]string, 0, limit)
	for _, r := range deduped[:limit] {
		out = append(out, r.NodeID)
	}
	return out
}
