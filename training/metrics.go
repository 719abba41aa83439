package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultTolerance is the relative error, in percent, under which a
// prediction counts as correct.
const DefaultTolerance = 25.0

// accuracyEps keeps the percentage error finite for zero targets.
const accuracyEps = 1e-3

// TargetTransform links the raw target space to the space the model is
// trained in. Forward normalises a raw target; Inverse maps a model output
// back to raw space.
type TargetTransform interface {
	Forward(raw float64) float64
	Inverse(output float64) float64
	Name() string
}

// LogTransform trains on log(raw + Eps).
type LogTransform struct {
	Eps float64
}

// NewLogTransform returns the default log transform with Eps 1e-4.
func NewLogTransform() LogTransform { return LogTransform{Eps: 1e-4} }

func (t LogTransform) Forward(raw float64) float64    { return math.Log(raw + t.Eps) }
func (t LogTransform) Inverse(output float64) float64 { return math.Exp(output) - t.Eps }
func (t LogTransform) Name() string                   { return "log" }

// IdentityTransform trains directly on raw targets.
type IdentityTransform struct{}

func (IdentityTransform) Forward(raw float64) float64    { return raw }
func (IdentityTransform) Inverse(output float64) float64 { return output }
func (IdentityTransform) Name() string                   { return "identity" }

// ParseTransform resolves a configured transform name. The empty name is the
// log transform.
func ParseTransform(name string) (TargetTransform, error) {
	switch name {
	case "", "log":
		return NewLogTransform(), nil
	case "identity", "none":
		return IdentityTransform{}, nil
	default:
		return nil, fmt.Errorf("unknown target transform %q", name)
	}
}

// Accuracy is the tolerance-based regression accuracy: a prediction is
// correct when its relative error in raw target space is below Tolerance
// percent.
type Accuracy struct {
	Tolerance float64
	Transform TargetTransform
}

// NewAccuracy returns the metric with the default tolerance.
func NewAccuracy(transform TargetTransform) Accuracy {
	return Accuracy{Tolerance: DefaultTolerance, Transform: transform}
}

// PercentageError is |inverse(output) - raw| * 100 / (raw + 1e-3).
func (a Accuracy) PercentageError(output, raw float64) float64 {
	return math.Abs(a.Transform.Inverse(output)-raw) * 100.0 / (raw + accuracyEps)
}

// Correct counts the outputs within tolerance of their raw targets.
func (a Accuracy) Correct(outputs, raw []float32) int {
	n := 0
	for i := range outputs {
		if a.PercentageError(float64(outputs[i]), float64(raw[i])) < a.Tolerance {
			n++
		}
	}
	return n
}

// RegressionMetrics summarises predictions against raw targets.
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	R2   float64 // R-squared
}

// CalculateRegressionMetrics computes error statistics of predictions
// against true values. Both slices must have the same length.
func CalculateRegressionMetrics(predictions, trueValues []float64) *RegressionMetrics {
	if len(predictions) == 0 || len(predictions) != len(trueValues) {
		return &RegressionMetrics{}
	}

	diff := make([]float64, len(predictions))
	floats.SubTo(diff, predictions, trueValues)
	absErr := make([]float64, len(diff))
	for i, d := range diff {
		absErr[i] = math.Abs(d)
	}

	mse := floats.Dot(diff, diff) / float64(len(diff))
	m := &RegressionMetrics{
		MAE:  stat.Mean(absErr, nil),
		MSE:  mse,
		RMSE: math.Sqrt(mse),
	}
	if stat.Variance(trueValues, nil) > 0 {
		m.R2 = stat.RSquaredFrom(predictions, trueValues, nil)
	}
	return m
}
