package forensics

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	isolationFeatures     = 5
	isolationContribution = 30.0
	seedMix               = 0x9E3779B97F4A7C15
)

// IsolationForest scores rows by how quickly random axis-aligned splits
// isolate them. All randomness comes from a generator seeded with Input.Seed.
type IsolationForest struct{}

func (IsolationForest) Name() string { return domain.DetectorIsolationForest }

func (IsolationForest) Eligible(m domain.ColumnMapping) bool {
	return m.Has(domain.RoleMonetaryValue)
}

type itreeNode struct {
	leaf        bool
	feature     int
	split       float64
	left, right *itreeNode
}

// Features returns the feature vector of row i:
// log10(amount+1), weekday, hour, id length, category bucket.
func Features(in *Input, i int) [isolationFeatures]float64 {
	var f [isolationFeatures]float64
	f[0] = math.Log10(math.Max(in.Amount(i), 0) + 1)
	if s := in.Stamp(i); s.OK {
		f[1] = float64(s.Time.Weekday())
		if s.HasClock {
			f[2] = float64(s.Time.Hour())
		}
	}
	f[3] = float64(len(in.UniqueID(i)))
	if cat := in.Text(domain.RoleCategory, i); cat != "" {
		f[4] = float64(xxhash.Sum64String(cat) % 100)
	}
	return f
}

func (d IsolationForest) Run(ctx context.Context, in *Input) (*Result, error) {
	n := in.Len()
	if n < 2 {
		return Skipped(d.Name(), domain.StatusSkippedInsufficient), nil
	}

	cfg := in.Config
	trees := max(cfg.IsolationTrees, 1)
	depth := max(cfg.IsolationMaxDepth, 1)
	psi := cfg.IsolationSampleSize
	if psi <= 0 || psi > n {
		psi = n
	}

	data := make([][isolationFeatures]float64, n)
	for i := range data {
		data[i] = Features(in, i)
	}

	rng := rand.New(rand.NewPCG(in.Seed, in.Seed^seedMix))
	forest := make([]*itreeNode, trees)
	for t := range forest {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var sample []int
		if psi < n {
			sample = rng.Perm(n)[:psi]
		} else {
			sample = make([]int, n)
			for i := range sample {
				sample[i] = i
			}
		}
		forest[t] = buildTree(rng, data, sample, 0, depth)
	}

	c := AveragePathLength(psi)
	scores := make([]float64, n)
	pathSum := 0.0
	for i := range data {
		total := 0.0
		for _, tree := range forest {
			total += pathLength(tree, &data[i], 0)
		}
		e := total / float64(trees)
		pathSum += e
		if c > 0 {
			scores[i] = math.Pow(2, -e/c)
		}
	}

	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	threshold := Percentile(sorted, cfg.IsolationPercentile)

	summary := &domain.IsolationSummary{
		AveragePathLength: pathSum / float64(n),
		AnomalyThreshold:  threshold,
		Trees:             trees,
		SampleSize:        psi,
		Seed:              in.Seed,
	}

	var findings []Finding
	for i, s := range scores {
		switch {
		case s > cfg.IsolationHighScore:
			summary.HighRiskAnomalies++
		case s > cfg.IsolationMediumScore:
			summary.MediumRiskAnomalies++
		case s > cfg.IsolationLowScore:
			summary.LowRiskAnomalies++
		}

		if s <= threshold {
			continue
		}
		summary.TotalAnomalies++
		contribution := 0.0
		if threshold < 1 {
			contribution = (s - threshold) / (1 - threshold) * isolationContribution
		}
		findings = append(findings, Finding{Row: i, Contribution: contribution, Label: "isolation_anomaly"})
	}

	return completed(d.Name(), findings, summary), nil
}

func buildTree(rng *rand.Rand, data [][isolationFeatures]float64, idx []int, depth, maxDepth int) *itreeNode {
	if depth >= maxDepth || len(idx) <= 1 {
		return &itreeNode{leaf: true}
	}

	for _, f := range rng.Perm(isolationFeatures) {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := data[i][f]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if hi <= lo {
			continue
		}

		split := lo + rng.Float64()*(hi-lo)
		var left, right []int
		for _, i := range idx {
			if data[i][f] < split {
				left = append(left, i)
			} else {
				right = append(right, i)
			}
		}
		return &itreeNode{
			feature: f,
			split:   split,
			left:    buildTree(rng, data, left, depth+1, maxDepth),
			right:   buildTree(rng, data, right, depth+1, maxDepth),
		}
	}
	return &itreeNode{leaf: true}
}

func pathLength(node *itreeNode, x *[isolationFeatures]float64, depth int) float64 {
	for !node.leaf {
		if x[node.feature] < node.split {
			node = node.left
		} else {
			node = node.right
		}
		depth++
	}
	return float64(depth)
}
