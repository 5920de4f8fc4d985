package routing

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/rainymodel/models"
)

// Catalog is an immutable snapshot of the deployment list and its
// classifications. A new generation is built on every reload; readers holding
// an old snapshot keep a consistent view.
type Catalog struct {
	generation  uint64
	loadedAt    time.Time
	timeout     time.Duration
	aliases     map[string][]models.Deployment
	order       []string
	classifier  *Classifier
	memo        sync.Map // models.DeploymentKey -> Classification
	deployCount int
}

// AliasInfo describes one alias for model listings
type AliasInfo struct {
	Alias       string
	Description string
	Deployments int
	Tiers       []models.Tier
}

// NewCatalog builds a snapshot. Deployments keep their file order per alias.
func NewCatalog(generation uint64, deployments []models.Deployment, classifier *Classifier, defaultTimeout time.Duration) *Catalog {
	c := &Catalog{
		generation:  generation,
		loadedAt:    time.Now(),
		timeout:     defaultTimeout,
		aliases:     make(map[string][]models.Deployment),
		classifier:  classifier,
		deployCount: len(deployments),
	}
	for _, d := range deployments {
		if _, ok := c.aliases[d.ModelName]; !ok {
			c.order = append(c.order, d.ModelName)
		}
		c.aliases[d.ModelName] = append(c.aliases[d.ModelName], d)
	}
	return c
}

// Generation identifies this snapshot
func (c *Catalog) Generation() uint64 {
	return c.generation
}

// LoadedAt returns when the snapshot was built
func (c *Catalog) LoadedAt() time.Time {
	return c.loadedAt
}

// DefaultTimeout is the per-attempt timeout for deployments that set none
func (c *Catalog) DefaultTimeout() time.Duration {
	return c.timeout
}

// Len returns the number of deployments in the snapshot
func (c *Catalog) Len() int {
	return c.deployCount
}

// Classify returns the memoized classification of d for this generation
func (c *Catalog) Classify(d models.Deployment) Classification {
	key := d.Key()
	if v, ok := c.memo.Load(key); ok {
		return v.(Classification)
	}
	cl := c.classifier.Classify(d)
	c.memo.Store(key, cl)
	return cl
}

// Resolve returns the classified deployments of an alias in file order.
// The returned slice is fresh; callers may reorder it.
func (c *Catalog) Resolve(alias string) []Candidate {
	deps := c.aliases[alias]
	if len(deps) == 0 {
		return nil
	}
	out := make([]Candidate, 0, len(deps))
	for _, d := range deps {
		cl := c.Classify(d)
		out = append(out, Candidate{Deployment: d, Tier: cl.Tier, Upstream: cl.Upstream})
	}
	return out
}

// Has reports whether the alias has any deployment
func (c *Catalog) Has(alias string) bool {
	return len(c.aliases[alias]) > 0
}

// Aliases lists the configured aliases sorted by name
func (c *Catalog) Aliases() []AliasInfo {
	out := make([]AliasInfo, 0, len(c.order))
	for _, alias := range c.order {
		info := AliasInfo{Alias: alias, Deployments: len(c.aliases[alias])}
		seen := make(map[models.Tier]bool)
		for _, d := range c.aliases[alias] {
			if info.Description == "" {
				info.Description = d.Description
			}
			tier := c.Classify(d).Tier
			if !seen[tier] {
				seen[tier] = true
				info.Tiers = append(info.Tiers, tier)
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// Upstreams returns the distinct upstream labels across all aliases
func (c *Catalog) Upstreams() []string {
	seen := make(map[string]bool)
	var out []string
	for _, alias := range c.order {
		for _, d := range c.aliases[alias] {
			up := c.Classify(d).Upstream
			if !seen[up] {
				seen[up] = true
				out = append(out, up)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Store publishes the current catalog. Swaps are atomic; readers never see a
// partially built snapshot.
type Store struct {
	current    atomic.Pointer[Catalog]
	generation atomic.Uint64
	classifier *Classifier
}

// NewStore creates an empty store
func NewStore(classifier *Classifier) *Store {
	return &Store{classifier: classifier}
}

// Current returns the active snapshot, or nil before the first Swap
func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// Swap builds a new generation from deployments and publishes it
func (s *Store) Swap(deployments []models.Deployment, defaultTimeout time.Duration) *Catalog {
	gen := s.generation.Add(1)
	next := NewCatalog(gen, deployments, s.classifier, defaultTimeout)
	s.current.Store(next)
	return next
}
