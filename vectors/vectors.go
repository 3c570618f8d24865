// Package vectors implements similarity scoring and ranking over embedding
// vectors, plus the binary codec used to persist embeddings.
package vectors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Metric selects the distance/similarity function used for ranking.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricManhattan Metric = "manhattan"
)

// ParseMetric validates a metric name from configuration.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, MetricEuclidean, MetricManhattan:
		return Metric(s), nil
	case "":
		return MetricCosine, nil
	default:
		return "", fmt.Errorf("unknown similarity metric: %q", s)
	}
}

// CosineSimilarity between two equal-length vectors. Returns 0 (not an
// error) on a length mismatch or when either vector has zero magnitude, so
// retrieval never divides by zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// EuclideanDistance between two equal-length vectors.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// ManhattanDistance between two equal-length vectors.
func ManhattanDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}
	return sum
}

// Similarity scores a candidate against a query using the given metric.
// Distance metrics are mapped through 1/(1+d) so that a higher score always
// means a better match, regardless of metric.
func Similarity(metric Metric, query, candidate []float32) float64 {
	switch metric {
	case MetricEuclidean:
		d := EuclideanDistance(query, candidate)
		if math.IsInf(d, 1) {
			return 0
		}
		return 1 / (1 + d)
	case MetricManhattan:
		d := ManhattanDistance(query, candidate)
		if math.IsInf(d, 1) {
			return 0
		}
		return 1 / (1 + d)
	default:
		return CosineSimilarity(query, candidate)
	}
}

// Candidate pairs an item id with its stored embedding.
type Candidate struct {
	ID     string
	Vector []float32
}

// Match is a ranked retrieval hit.
type Match struct {
	ID    string
	Score float64
}

// Rank scores candidates against the query and returns up to topK matches in
// decreasing score order. Candidates scoring below threshold are dropped and
// the result is never padded. Ties keep input order, so retrieval is
// deterministic for a fixed dataset.
func Rank(query []float32, candidates []Candidate, topK int, threshold float64, metric Metric) []Match {
	if topK <= 0 || len(candidates) == 0 {
		return nil
	}
	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		score := Similarity(metric, query, c.Vector)
		if score < threshold {
			continue
		}
		matches = append(matches, Match{ID: c.ID, Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// Dot returns the dot product of two equal-length vectors, or 0 on a length
// mismatch.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Magnitude returns the vector's length.
func Magnitude(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v. A zero vector is returned
// unchanged.
func Normalize(v []float32) []float32 {
	mag := Magnitude(v)
	out := make([]float32, len(v))
	if mag == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / mag)
	}
	return out
}

// EncodeEmbedding encodes a []float32 into a []byte for storage.
func EncodeEmbedding(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	b := make([]byte, len(vec)*4)
	for i, f := range vec {
		u := math.Float32bits(f)
		binary.LittleEndian.PutUint32(b[i*4:], u)
	}
	return b
}

// DecodeEmbedding decodes a []byte into a []float32.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, errors.New("invalid embedding blob length")
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		u := binary.LittleEndian.Uint32(b[i*4:])
		vec[i] = math.Float32frombits(u)
	}
	return vec, nil
}
