package device

import (
	"errors"
	"fmt"
	"math"
)

// ValidateTokens checks every id against the vocabulary range before it
// reaches an embedding lookup.
func ValidateTokens(tokens []int32, vocabSize int) error {
	if len(tokens) == 0 {
		return errors.New("empty input tokens")
	}
	for i, token := range tokens {
		if token < 0 || int(token) >= vocabSize {
			return fmt.Errorf("input token %d at position %d is out of vocab range [0, %d)", token, i, vocabSize)
		}
	}
	return nil
}

func CheckNumericalStability(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		}
		if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return
}

func HasAnyNaN(data []float32) bool {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			return true
		}
	}
	return false
}

func HasAnyInf(data []float32) bool {
	for _, v := range data {
		if math.IsInf(float64(v), 0) {
			return true
		}
	}
	return false
}

func IsValid(data []float32) bool {
	return !HasAnyNaN(data) && !HasAnyInf(data)
}
