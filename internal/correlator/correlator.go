// Package correlator maps test ids reported by pytest back to catalog nodes.
package correlator

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/logger"
)

// Tier identifies which matching strategy resolved an id
type Tier int

const (
	TierNone Tier = iota
	TierExact
	TierStructural
	TierSuffix
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierStructural:
		return "structural"
	case TierSuffix:
		return "suffix"
	default:
		return "none"
	}
}

// Index is a flat path to node lookup over the test nodes of a catalog.
// It must be rebuilt whenever the catalog is replaced.
type Index struct {
	byPath map[string]int
	keys   []string
}

// BuildIndex indexes every test node of cat by path
func BuildIndex(cat *domain.Catalog) *Index {
	idx := &Index{byPath: make(map[string]int)}
	if cat == nil {
		return idx
	}
	for _, i := range cat.Leaves() {
		idx.Add(cat.Node(i).Path, i)
	}
	return idx
}

// NewIndex builds an index from an explicit mapping
func NewIndex(m map[string]int) *Index {
	idx := &Index{byPath: make(map[string]int, len(m))}
	for k, v := range m {
		idx.Add(k, v)
	}
	return idx
}

// Add inserts or replaces one entry
func (x *Index) Add(path string, node int) {
	if _, exists := x.byPath[path]; !exists {
		i := sort.SearchStrings(x.keys, path)
		x.keys = append(x.keys, "")
		copy(x.keys[i+1:], x.keys[i:])
		x.keys[i] = path
	}
	x.byPath[path] = node
}

// Len returns the number of indexed paths
func (x *Index) Len() int {
	return len(x.keys)
}

// Resolve finds the node for a reported id. Tiers are tried in order:
// exact key, then same file name and same last segment, then any key ending
// in "::<last segment>". Within a tier the lexically first key wins.
func Resolve(id string, x *Index) (int, Tier, bool) {
	if x == nil {
		return 0, TierNone, false
	}

	if n, ok := x.byPath[id]; ok {
		return n, TierExact, true
	}

	parts := strings.Split(id, "::")
	last := parts[len(parts)-1]

	if len(parts) >= 2 {
		file := fileName(parts[0])
		for _, key := range x.keys {
			kp := strings.Split(key, "::")
			if len(kp) < 2 {
				continue
			}
			if kp[len(kp)-1] == last && fileName(kp[0]) == file {
				return x.byPath[key], TierStructural, true
			}
		}
	}

	suffix := "::" + last
	for _, key := range x.keys {
		if strings.HasSuffix(key, suffix) {
			return x.byPath[key], TierSuffix, true
		}
	}

	return 0, TierNone, false
}

func fileName(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// CorrelationMiss reports an id that no tier could match
type CorrelationMiss struct {
	TestID string
}

func (e *CorrelationMiss) Error() string {
	return fmt.Sprintf("no catalog node matches %q", e.TestID)
}

// Correlator writes event outcomes onto catalog node statuses
type Correlator struct {
	cat   *domain.Catalog
	index *Index
	log   *log.Logger

	mu     sync.Mutex
	counts map[Tier]int
}

// New creates a correlator over cat and builds its index
func New(cat *domain.Catalog) *Correlator {
	return &Correlator{
		cat:    cat,
		index:  BuildIndex(cat),
		log:    logger.With("correlator"),
		counts: make(map[Tier]int),
	}
}

// Rebuild swaps in a new catalog, e.g. after re-discovery
func (c *Correlator) Rebuild(cat *domain.Catalog) {
	c.cat = cat
	c.index = BuildIndex(cat)
}

// Catalog returns the catalog being updated
func (c *Correlator) Catalog() *domain.Catalog {
	return c.cat
}

// Index returns the current index
func (c *Correlator) Index() *Index {
	return c.index
}

// ResetStats clears the per-tier counters
func (c *Correlator) ResetStats() {
	c.mu.Lock()
	c.counts = make(map[Tier]int)
	c.mu.Unlock()
}

// Stats returns how many finished events each tier resolved since the
// last ResetStats. Misses are counted under "none".
func (c *Correlator) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for t, n := range c.counts {
		out[t.String()] = n
	}
	return out
}

func (c *Correlator) count(ev domain.TestEvent, t Tier) {
	if ev.Kind != domain.EventTestFinished {
		return
	}
	c.mu.Lock()
	c.counts[t]++
	c.mu.Unlock()
}

// Apply updates the node matching ev. Started events set running and
// finished events set the outcome status; other events are ignored. A miss
// is returned as *CorrelationMiss and never changes any node.
func (c *Correlator) Apply(ev domain.TestEvent) (Tier, error) {
	var status domain.TestStatus
	switch ev.Kind {
	case domain.EventTestStarted:
		status = domain.StatusRunning
	case domain.EventTestFinished:
		status = ev.Outcome.Status()
	default:
		return TierNone, nil
	}

	if c.cat == nil {
		c.count(ev, TierNone)
		return TierNone, &CorrelationMiss{TestID: ev.TestID}
	}

	n, tier, ok := Resolve(ev.TestID, c.index)
	if !ok {
		c.log.Warn("could not correlate test", "test", ev.TestID, "indexed", c.index.Len())
		c.count(ev, TierNone)
		return TierNone, &CorrelationMiss{TestID: ev.TestID}
	}

	node := c.cat.Node(n)
	if node == nil {
		c.count(ev, TierNone)
		return TierNone, &CorrelationMiss{TestID: ev.TestID}
	}
	node.SetStatus(status)
	c.count(ev, tier)
	if tier != TierExact {
		c.log.Debug("fuzzy match", "test", ev.TestID, "node", node.Path, "tier", tier)
	}
	return tier, nil
}
