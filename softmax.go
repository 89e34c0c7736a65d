package nsfw

import "math"

// Softmax turns logits into a probability distribution. The maximum is
// subtracted before exponentiating so large logits cannot overflow.
//
// Empty input returns ErrEmptyLogits and any NaN or Inf returns
// ErrNonFiniteLogits; no partial result is produced in either case.
func Softmax(logits []float32) ([]float64, error) {
	if len(logits) == 0 {
		return nil, ErrEmptyLogits
	}

	maxVal := math.Inf(-1)
	for _, l := range logits {
		v := float64(l)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrNonFiniteLogits
		}
		if v > maxVal {
			maxVal = v
		}
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		probs[i] = math.Exp(float64(l) - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs, nil
}

// Argmax returns the index of the largest value, or -1 for an empty slice.
func Argmax(values []float64) int {
	idx := -1
	for i, v := range values {
		if idx < 0 || v > values[idx] {
			idx = i
		}
	}
	return idx
}
