package hnsw

import (
	"fmt"
	"math"
)

// Metric selects how vector closeness is measured.
type Metric string

const (
	// MetricCosine ranks by the angle between vectors. Similarity is in [-1, 1].
	MetricCosine Metric = "cosine"
	// MetricEuclidean ranks by straight-line distance. Similarity is 1/(1+d).
	MetricEuclidean Metric = "euclidean"
	// MetricDot ranks by inner product. Similarity is the raw dot product.
	MetricDot Metric = "dot"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricCosine, MetricEuclidean, MetricDot:
		return m, nil
	}
	return "", fmt.Errorf("unknown distance metric %q", s)
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(a []float32) float32 {
	return float32(math.Sqrt(float64(dot(a, a))))
}

func euclidean(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

// distance returns a value where smaller means closer. an and bn are the
// precomputed norms of a and b and are only used by the cosine metric.
func (m Metric) distance(a []float32, an float32, b []float32, bn float32) float32 {
	switch m {
	case MetricEuclidean:
		return euclidean(a, b)
	case MetricDot:
		return -dot(a, b)
	default:
		if an == 0 || bn == 0 {
			return 1
		}
		return 1 - dot(a, b)/(an*bn)
	}
}

// similarity converts a distance back to the metric's similarity score.
func (m Metric) similarity(d float32) float32 {
	switch m {
	case MetricEuclidean:
		return 1 / (1 + d)
	case MetricDot:
		return -d
	default:
		return 1 - d
	}
}

// Similarity scores a and b under the metric. Vectors must have equal length.
func (m Metric) Similarity(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	return m.similarity(m.distance(a, norm(a), b, norm(b))), nil
}
