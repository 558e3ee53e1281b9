package face

import (
	"context"
	"fmt"
	"math"
)

// DescriptorLen is the fixed length of a face descriptor vector.
const DescriptorLen = 128

// Descriptor is a fixed-length face embedding. Using an array type rejects
// mixed-shape descriptor payloads at the boundary instead of deep inside the
// matcher.
type Descriptor [DescriptorLen]float32

// ParseDescriptor validates a raw vector's length.
func ParseDescriptor(raw []float32) (Descriptor, error) {
	var d Descriptor
	if len(raw) != DescriptorLen {
		return d, fmt.Errorf("descriptor must have %d elements, got %d", DescriptorLen, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Match is the best-scoring candidate for a probe. Lower distance means
// higher confidence.
type Match struct {
	StudentID string
	Distance  float64
}

// Matcher finds the enrolled descriptor closest to a probe. Returns nil when
// there are no candidates.
type Matcher interface {
	BestMatch(ctx context.Context, probe Descriptor, candidates map[string]Descriptor) (*Match, error)
}

// Local computes Euclidean distances in-process.
type Local struct{}

func (Local) BestMatch(_ context.Context, probe Descriptor, candidates map[string]Descriptor) (*Match, error) {
	var best *Match
	for id, cand := range candidates {
		d := Distance(probe, cand)
		if best == nil || d < best.Distance {
			best = &Match{StudentID: id, Distance: d}
		}
	}
	return best, nil
}

// Distance is the Euclidean distance between two descriptors.
func Distance(a, b Descriptor) float64 {
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
