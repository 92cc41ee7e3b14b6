package device

import (
	"math"
	"testing"
)

func TestValidateTokens(t *testing.T) {
	if err := ValidateTokens([]int32{0, 5, 99}, 100); err != nil {
		t.Errorf("valid tokens rejected: %v", err)
	}
	if err := ValidateTokens(nil, 100); err == nil {
		t.Error("empty tokens: want error")
	}
	if err := ValidateTokens([]int32{0, 100}, 100); err == nil {
		t.Error("token == vocab size: want error")
	}
	if err := ValidateTokens([]int32{-1}, 100); err == nil {
		t.Error("negative token: want error")
	}
}

func TestCheckNumericalStability(t *testing.T) {
	data := []float32{1, float32(math.NaN()), float32(math.Inf(1)), 2, float32(math.NaN())}
	nans, infs := CheckNumericalStability(data)
	if nans != 2 {
		t.Errorf("nans = %d, want 2", nans)
	}
	if infs != 1 {
		t.Errorf("infs = %d, want 1", infs)
	}
	if IsValid(data) {
		t.Error("IsValid = true for data with NaN/Inf")
	}
	if !IsValid([]float32{1, 2, 3}) {
		t.Error("IsValid = false for clean data")
	}
}
