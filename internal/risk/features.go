package risk

import (
	"hash/fnv"
	"math"
	"time"
)

// Dimensions is the fixed length of a feature vector.
const Dimensions = 5

// Feature positions within a Vector.
const (
	FeatureAmount = iota
	FeatureHoursSinceEpoch
	FeatureVelocity24h
	FeatureAmountZScore
	FeatureRecipientBucket
)

const (
	velocityWindow  = 24 * time.Hour
	zScoreEpsilon   = 1e-6
	recipientBucket = 1000

	// HistoryLimit caps how many prior transfers feed one vector.
	HistoryLimit = 500
)

// ReferenceEpoch anchors the time feature.
var ReferenceEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Vector is a fixed-order feature vector.
type Vector [Dimensions]float64

// Sample is the slice of a transfer the extractor looks at. Amount is in
// major units of the transfer currency.
type Sample struct {
	ActorID     string
	RecipientID string
	Amount      float64
	Timestamp   time.Time
}

// Extract builds the feature vector for s against the sender's prior
// transfers. history is read, never modified. A sample without an actor
// yields the zero vector.
func Extract(s Sample, history []Sample) Vector {
	var v Vector
	if s.ActorID == "" {
		return v
	}

	v[FeatureAmount] = s.Amount
	v[FeatureHoursSinceEpoch] = s.Timestamp.Sub(ReferenceEpoch).Hours()

	cutoff := s.Timestamp.Add(-velocityWindow)
	var count int
	var sum float64
	for _, h := range history {
		if h.Timestamp.After(cutoff) && !h.Timestamp.After(s.Timestamp) {
			count++
		}
		sum += h.Amount
	}
	v[FeatureVelocity24h] = float64(count)

	if n := len(history); n > 0 {
		mean := sum / float64(n)
		var sq float64
		for _, h := range history {
			d := h.Amount - mean
			sq += d * d
		}
		std := math.Sqrt(sq / float64(n))
		v[FeatureAmountZScore] = (s.Amount - mean) / (std + zScoreEpsilon)
	}

	v[FeatureRecipientBucket] = float64(bucket(s.RecipientID))
	return v
}

func bucket(id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32() % recipientBucket
}

// BuildTrainingSet featurizes samples (oldest first) each against the same
// actor's earlier samples, capped at HistoryLimit.
func BuildTrainingSet(samples []Sample) []Vector {
	prior := make(map[string][]Sample)
	out := make([]Vector, 0, len(samples))
	for _, s := range samples {
		h := prior[s.ActorID]
		out = append(out, Extract(s, h))
		h = append(h, s)
		if len(h) > HistoryLimit {
			h = h[len(h)-HistoryLimit:]
		}
		prior[s.ActorID] = h
	}
	return out
}
