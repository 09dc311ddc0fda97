package features

import (
	"encoding/json"
	"fmt"
	"math"
)

// Scaler standardizes feature vectors to zero mean and unit variance.
//
// Parameters are fit once on the first batch presented and frozen: the batch
// and incremental paths must score against identical scaling, so the fitted
// parameters travel with the model artifact rather than being re-fit per run.
type Scaler struct {
	Mean   []float64 `json:"mean"`
	Std    []float64 `json:"std"`
	Fitted bool      `json:"fitted"`
}

// NewScaler returns an unfitted scaler.
func NewScaler() *Scaler {
	return &Scaler{}
}

// Fit computes mean/std from a batch. Fitting an already-fitted scaler is a
// no-op; the first batch wins.
func (sc *Scaler) Fit(vectors [][]float64) {
	if sc.Fitted || len(vectors) == 0 {
		return
	}
	dim := len(vectors[0])
	sc.Mean = make([]float64, dim)
	sc.Std = make([]float64, dim)

	n := float64(len(vectors))
	for _, v := range vectors {
		for i, x := range v {
			sc.Mean[i] += x
		}
	}
	for i := range sc.Mean {
		sc.Mean[i] /= n
	}
	for _, v := range vectors {
		for i, x := range v {
			d := x - sc.Mean[i]
			sc.Std[i] += d * d
		}
	}
	for i := range sc.Std {
		sc.Std[i] = math.Sqrt(sc.Std[i] / n)
		if sc.Std[i] == 0 {
			// Constant feature: pass through unscaled instead of dividing by 0.
			sc.Std[i] = 1
		}
	}
	sc.Fitted = true
}

// Transform standardizes one vector in place-safe fashion (returns a copy).
func (sc *Scaler) Transform(v []float64) ([]float64, error) {
	if !sc.Fitted {
		return nil, fmt.Errorf("scaler not fitted")
	}
	if len(v) != len(sc.Mean) {
		return nil, fmt.Errorf("dimension mismatch: vector %d, scaler %d", len(v), len(sc.Mean))
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = (x - sc.Mean[i]) / sc.Std[i]
	}
	return out, nil
}

// TransformAll standardizes a batch.
func (sc *Scaler) TransformAll(vectors [][]float64) ([][]float64, error) {
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		t, err := sc.Transform(v)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// Marshal serializes the fitted parameters for the model artifact store.
func (sc *Scaler) Marshal() ([]byte, error) {
	return json.Marshal(sc)
}

// UnmarshalScaler restores a scaler from the model artifact store.
func UnmarshalScaler(data []byte) (*Scaler, error) {
	var sc Scaler
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("corrupt scaler artifact: %w", err)
	}
	return &sc, nil
}
