package analytics

import (
	"sort"
	"time"

	"github.com/upb/rainymodel/models"
)

// Overview is the headline summary of all stored records
type Overview struct {
	UptimeS      int64   `json:"uptime_s"`
	Total        int     `json:"total"`
	OK           int     `json:"ok"`
	Err          int     `json:"err"`
	SuccessPct   float64 `json:"success_pct"`
	AvgMs        int     `json:"avg_ms"`
	MedMs        int     `json:"med_ms"`
	P95Ms        int     `json:"p95_ms"`
	P99Ms        int     `json:"p99_ms"`
	MinMs        int     `json:"min_ms"`
	MaxMs        int     `json:"max_ms"`
	RPM          int     `json:"rpm"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Providers    int     `json:"providers"`
	StreamPct    float64 `json:"stream_pct"`
}

// ProviderStats aggregates records served by one upstream
type ProviderStats struct {
	Upstream     string  `json:"upstream"`
	Requests     int     `json:"requests"`
	OK           int     `json:"ok"`
	Err          int     `json:"err"`
	SuccessPct   float64 `json:"success_pct"`
	AvgMs        int     `json:"avg_ms"`
	P95Ms        int     `json:"p95_ms"`
	MinMs        int     `json:"min_ms"`
	MaxMs        int     `json:"max_ms"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// ModelStats aggregates records per alias
type ModelStats struct {
	Model      string  `json:"model"`
	Requests   int     `json:"requests"`
	SuccessPct float64 `json:"success_pct"`
	AvgMs      int     `json:"avg_ms"`
}

// CostLine is one upstream in the financial breakdown
type CostLine struct {
	Upstream     string  `json:"upstream"`
	Requests     int     `json:"requests"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	CostPerReq   float64 `json:"cost_per_req"`
}

// Financial is the estimated spend view
type Financial struct {
	TotalCostUSD  float64        `json:"total_cost_usd"`
	AvgCostPerReq float64        `json:"avg_cost_per_req"`
	Breakdown     []CostLine     `json:"breakdown"`
	TierDist      map[string]int `json:"tier_dist"`
	SavingPct     float64        `json:"saving_pct"`
}

// Bucket is one interval of the timeseries
type Bucket struct {
	T      time.Time `json:"t"`
	Reqs   int       `json:"reqs"`
	OK     int       `json:"ok"`
	Err    int       `json:"err"`
	AvgMs  int       `json:"avg_ms"`
	Tokens int       `json:"tokens"`
}

// Timeseries is the last 24 hours in fixed buckets
type Timeseries struct {
	Buckets   []Bucket `json:"buckets"`
	BucketMin int      `json:"bucket_min"`
}

// Count is a label with a number of occurrences
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// FallbackChain counts fallbacks from one upstream to another
type FallbackChain struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

// Fallbacks summarises requests served after an earlier failure
type Fallbacks struct {
	Total         int             `json:"total"`
	FallbackCount int             `json:"fallback_count"`
	FallbackPct   float64         `json:"fallback_pct"`
	Chains        []FallbackChain `json:"chains"`
}

// Overview returns the headline summary
func (c *Collector) Overview() Overview {
	recs := c.snapshot()
	ov := Overview{UptimeS: int64(c.Uptime().Seconds())}
	if len(recs) == 0 {
		return ov
	}

	now := c.now()
	lats := latencies(recs)
	upstreams := make(map[string]struct{})
	var cost float64
	streams := 0

	for _, r := range recs {
		if r.Success {
			ov.OK++
		}
		if now.Sub(r.Timestamp) < time.Minute {
			ov.RPM++
		}
		if r.Stream {
			streams++
		}
		ov.InputTokens += r.InputTokens
		ov.OutputTokens += r.OutputTokens
		cost += Cost(r.Upstream, r.InputTokens, r.OutputTokens)
		upstreams[r.Upstream] = struct{}{}
	}

	ov.Total = len(recs)
	ov.Err = ov.Total - ov.OK
	ov.SuccessPct = round(pct(ov.OK, ov.Total), 2)
	ov.AvgMs = mean(lats)
	ov.MedMs = median(lats)
	ov.P95Ms = percentile(lats, 0.95)
	ov.P99Ms = percentile(lats, 0.99)
	ov.MinMs = lats[0]
	ov.MaxMs = lats[len(lats)-1]
	ov.TotalTokens = ov.InputTokens + ov.OutputTokens
	ov.CostUSD = round(cost, 4)
	ov.Providers = len(upstreams)
	ov.StreamPct = round(pct(streams, ov.Total), 1)
	return ov
}

// Providers returns per-upstream statistics sorted by upstream
func (c *Collector) Providers() []ProviderStats {
	groups, keys := groupBy(c.snapshot(), func(r models.RequestRecord) string { return r.Upstream })

	out := make([]ProviderStats, 0, len(keys))
	for _, up := range keys {
		rs := groups[up]
		lats := latencies(rs)
		ps := ProviderStats{Upstream: up, Requests: len(rs)}
		for _, r := range rs {
			if r.Success {
				ps.OK++
			}
			ps.InputTokens += r.InputTokens
			ps.OutputTokens += r.OutputTokens
		}
		ps.Err = ps.Requests - ps.OK
		ps.SuccessPct = round(pct(ps.OK, ps.Requests), 1)
		ps.AvgMs = mean(lats)
		ps.P95Ms = percentile(lats, 0.95)
		ps.MinMs = lats[0]
		ps.MaxMs = lats[len(lats)-1]
		ps.CostUSD = round(Cost(up, ps.InputTokens, ps.OutputTokens), 6)
		out = append(out, ps)
	}
	return out
}

// Models returns per-alias statistics sorted by alias
func (c *Collector) Models() []ModelStats {
	groups, keys := groupBy(c.snapshot(), func(r models.RequestRecord) string { return r.Alias })

	out := make([]ModelStats, 0, len(keys))
	for _, alias := range keys {
		rs := groups[alias]
		ok := 0
		for _, r := range rs {
			if r.Success {
				ok++
			}
		}
		out = append(out, ModelStats{
			Model:      alias,
			Requests:   len(rs),
			SuccessPct: round(pct(ok, len(rs)), 1),
			AvgMs:      mean(latencies(rs)),
		})
	}
	return out
}

// Financial returns the estimated spend per upstream and the tier mix
func (c *Collector) Financial() Financial {
	recs := c.snapshot()
	fin := Financial{
		Breakdown: []CostLine{},
		TierDist:  make(map[string]int, len(models.AllTiers)),
	}
	for _, t := range models.AllTiers {
		fin.TierDist[string(t)] = 0
	}
	if len(recs) == 0 {
		return fin
	}

	groups, keys := groupBy(recs, func(r models.RequestRecord) string { return r.Upstream })
	var total float64
	for _, up := range keys {
		rs := groups[up]
		line := CostLine{Upstream: up, Requests: len(rs)}
		for _, r := range rs {
			line.InputTokens += r.InputTokens
			line.OutputTokens += r.OutputTokens
		}
		cost := Cost(up, line.InputTokens, line.OutputTokens)
		total += cost
		line.CostUSD = round(cost, 6)
		line.CostPerReq = round(cost/float64(len(rs)), 6)
		fin.Breakdown = append(fin.Breakdown, line)
	}

	for _, r := range recs {
		if _, ok := fin.TierDist[r.Route]; ok {
			fin.TierDist[r.Route]++
		}
	}

	fin.TotalCostUSD = round(total, 4)
	fin.AvgCostPerReq = round(total/float64(len(recs)), 6)
	cheap := fin.TierDist[string(models.TierFree)] + fin.TierDist[string(models.TierInternal)]
	fin.SavingPct = round(pct(cheap, len(recs)), 1)
	return fin
}

// Timeseries buckets the last 24 hours of records
func (c *Collector) Timeseries(bucketMin int) Timeseries {
	if bucketMin <= 0 {
		bucketMin = 5
	}
	ts := Timeseries{Buckets: []Bucket{}, BucketMin: bucketMin}

	size := time.Duration(bucketMin) * time.Minute
	cutoff := c.now().Add(-24 * time.Hour)

	groups := make(map[time.Time][]models.RequestRecord)
	for _, r := range c.snapshot() {
		if !r.Timestamp.After(cutoff) {
			continue
		}
		key := r.Timestamp.UTC().Truncate(size)
		groups[key] = append(groups[key], r)
	}

	keys := make([]time.Time, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	for _, k := range keys {
		rs := groups[k]
		b := Bucket{T: k, Reqs: len(rs), AvgMs: mean(latencies(rs))}
		for _, r := range rs {
			if r.Success {
				b.OK++
			}
			b.Tokens += r.TotalTokens()
		}
		b.Err = b.Reqs - b.OK
		ts.Buckets = append(ts.Buckets, b)
	}
	return ts
}

// Errors counts failed requests by error type, most frequent first
func (c *Collector) Errors() []Count {
	counts := make(map[string]int)
	for _, r := range c.snapshot() {
		if r.Success {
			continue
		}
		key := r.ErrorType
		if key == "" {
			key = "unknown"
		}
		counts[key]++
	}
	return sortedCounts(counts)
}

// Policies counts requests by requested policy, most frequent first
func (c *Collector) Policies() []Count {
	counts := make(map[string]int)
	for _, r := range c.snapshot() {
		counts[r.Policy]++
	}
	return sortedCounts(counts)
}

// Fallbacks counts requests served after an earlier upstream failed
func (c *Collector) Fallbacks() Fallbacks {
	recs := c.snapshot()
	fb := Fallbacks{Total: len(recs), Chains: []FallbackChain{}}

	chains := make(map[[2]string]int)
	for _, r := range recs {
		if r.FallbackFrom == "" {
			continue
		}
		fb.FallbackCount++
		chains[[2]string{r.FallbackFrom, r.Upstream}]++
	}
	for k, n := range chains {
		fb.Chains = append(fb.Chains, FallbackChain{From: k[0], To: k[1], Count: n})
	}
	sort.Slice(fb.Chains, func(i, j int) bool {
		if fb.Chains[i].Count != fb.Chains[j].Count {
			return fb.Chains[i].Count > fb.Chains[j].Count
		}
		if fb.Chains[i].From != fb.Chains[j].From {
			return fb.Chains[i].From < fb.Chains[j].From
		}
		return fb.Chains[i].To < fb.Chains[j].To
	})
	fb.FallbackPct = round(pct(fb.FallbackCount, fb.Total), 1)
	return fb
}

// RequestLog returns up to limit records, newest first
func (c *Collector) RequestLog(limit int) []models.RequestRecord {
	recs := c.snapshot()
	if limit <= 0 || limit > len(recs) {
		limit = len(recs)
	}
	out := make([]models.RequestRecord, 0, limit)
	for i := len(recs) - 1; i >= len(recs)-limit; i-- {
		out = append(out, recs[i])
	}
	return out
}

func groupBy(recs []models.RequestRecord, key func(models.RequestRecord) string) (map[string][]models.RequestRecord, []string) {
	groups := make(map[string][]models.RequestRecord)
	for _, r := range recs {
		k := key(r)
		groups[k] = append(groups[k], r)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return groups, keys
}

func sortedCounts(counts map[string]int) []Count {
	out := make([]Count, 0, len(counts))
	for k, n := range counts {
		out = append(out, Count{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// latencies returns the sorted latencies of recs
func latencies(recs []models.RequestRecord) []int {
	out := make([]int, len(recs))
	for i, r := range recs {
		out[i] = r.LatencyMs
	}
	sort.Ints(out)
	return out
}

func mean(sorted []int) int {
	if len(sorted) == 0 {
		return 0
	}
	sum := 0
	for _, v := range sorted {
		sum += v
	}
	return sum / len(sorted)
}

func median(sorted []int) int {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func percentile(sorted []int, p float64) int {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func pct(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}
