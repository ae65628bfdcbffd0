package engine

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/syntegra/insights-cli/internal/model"
)

// ClusterEngine groups clients by similarity of their aggregate features
// using k-means. Seeding is fixed so repeated runs over the same inputs
// produce the same segments.
type ClusterEngine struct {
	tuning ClusterTuning
}

// NewClusterEngine returns a clustering engine with the given parameters.
func NewClusterEngine(tuning ClusterTuning) *ClusterEngine {
	return &ClusterEngine{tuning: tuning}
}

// Assign clusters the clients' feature maps and returns one assignment per
// client. Feature dimensions are the sorted union of all keys; missing values
// read as zero and every dimension is standardized before distance
// computation. Fewer clients than k collapses k to the client count.
func (e *ClusterEngine) Assign(features map[int64]map[string]float64) []model.ClusterAssignment {
	if len(features) == 0 {
		return nil
	}

	clientIDs := make([]int64, 0, len(features))
	dimSet := make(map[string]bool)
	for id, f := range features {
		clientIDs = append(clientIDs, id)
		for name := range f {
			dimSet[name] = true
		}
	}
	sort.Slice(clientIDs, func(i, j int) bool { return clientIDs[i] < clientIDs[j] })

	dims := make([]string, 0, len(dimSet))
	for name := range dimSet {
		dims = append(dims, name)
	}
	sort.Strings(dims)
	if len(dims) == 0 {
		return nil
	}

	vectors := make([][]float64, len(clientIDs))
	for i, id := range clientIDs {
		vec := make([]float64, len(dims))
		for j, name := range dims {
			vec[j] = features[id][name]
		}
		vectors[i] = vec
	}
	standardized := standardize(vectors)

	k := e.tuning.K
	if k > len(clientIDs) {
		k = len(clientIDs)
	}
	if k < 1 {
		k = 1
	}

	labels, centroids := kmeans(standardized, k, e.tuning.MaxIterations, e.tuning.Seed)
	silhouettes := silhouetteScores(standardized, labels, k)

	assignments := make([]model.ClusterAssignment, len(clientIDs))
	for i, id := range clientIDs {
		centroid := make(map[string]float64, len(dims))
		for j, name := range dims {
			centroid[name] = round2(centroids[labels[i]][j])
		}
		assignments[i] = model.ClusterAssignment{
			ClientID:           id,
			ClusterID:          labels[i],
			ClusterName:        fmt.Sprintf("segment_%d", labels[i]),
			Features:           features[id],
			Centroid:           centroid,
			DistanceToCentroid: round2(euclidean(standardized[i], centroids[labels[i]])),
			SilhouetteScore:    round2(silhouettes[i]),
		}
	}
	return assignments
}

// standardize z-scores each dimension; constant dimensions become zero.
func standardize(vectors [][]float64) [][]float64 {
	n := len(vectors)
	d := len(vectors[0])

	means := make([]float64, d)
	for _, vec := range vectors {
		for j, v := range vec {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= float64(n)
	}

	stds := make([]float64, d)
	for _, vec := range vectors {
		for j, v := range vec {
			diff := v - means[j]
			stds[j] += diff * diff
		}
	}
	for j := range stds {
		stds[j] = math.Sqrt(stds[j] / float64(n))
	}

	out := make([][]float64, n)
	for i, vec := range vectors {
		out[i] = make([]float64, d)
		for j, v := range vec {
			if stds[j] > 0 {
				out[i][j] = (v - means[j]) / stds[j]
			}
		}
	}
	return out
}

// kmeans runs Lloyd's algorithm with deterministic seeding, returning per
// point labels and the final centroids.
func kmeans(points [][]float64, k, maxIter int, seed int64) ([]int, [][]float64) {
	n := len(points)
	d := len(points[0])

	rng := rand.New(rand.NewSource(seed))
	order := rng.Perm(n)
	centroids := make([][]float64, k)
	for c := 0; c < k; c++ {
		centroids[c] = append([]float64(nil), points[order[c]]...)
	}

	labels := make([]int, n)
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, p := range points {
			best := 0
			bestDist := math.Inf(1)
			for c, centroid := range centroids {
				if dist := euclidean(p, centroid); dist < bestDist {
					best, bestDist = c, dist
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		sums := make([][]float64, k)
		for c := range sums {
			sums[c] = make([]float64, d)
		}
		for i, p := range points {
			counts[labels[i]]++
			for j, v := range p {
				sums[labels[i]][j] += v
			}
		}
		for c := 0; c < k; c++ {
			// An emptied cluster keeps its previous centroid.
			if counts[c] == 0 {
				continue
			}
			for j := range sums[c] {
				centroids[c][j] = sums[c][j] / float64(counts[c])
			}
		}
	}
	return labels, centroids
}

// silhouetteScores computes the per-point silhouette coefficient. Points in
// singleton clusters, or when only one cluster exists, score zero.
func silhouetteScores(points [][]float64, labels []int, k int) []float64 {
	n := len(points)
	scores := make([]float64, n)
	if k < 2 {
		return scores
	}

	sizes := make([]int, k)
	for _, l := range labels {
		sizes[l]++
	}

	for i := range points {
		own := labels[i]
		if sizes[own] < 2 {
			continue
		}

		intra := 0.0
		inter := make([]float64, k)
		for j := range points {
			if i == j {
				continue
			}
			dist := euclidean(points[i], points[j])
			if labels[j] == own {
				intra += dist
			} else {
				inter[labels[j]] += dist
			}
		}

		a := intra / float64(sizes[own]-1)
		b := math.Inf(1)
		for c := 0; c < k; c++ {
			if c == own || sizes[c] == 0 {
				continue
			}
			if avg := inter[c] / float64(sizes[c]); avg < b {
				b = avg
			}
		}
		if math.IsInf(b, 1) {
			continue
		}
		if max := math.Max(a, b); max > 0 {
			scores[i] = (b - a) / max
		}
	}
	return scores
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
