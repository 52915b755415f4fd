package cost

import (
	"fmt"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
)

// AnyResolution matches every resolution of a model
const AnyResolution = "*"

// Rate is a price in USD per billable unit. A unit is one second of output for
// kinds with a duration and one request otherwise.
type Rate struct {
	Model      string
	Resolution string
	PerUnit    float64
}

// DefaultKindRates applies when no model specific rate matches
var DefaultKindRates = map[domain.JobKind]float64{
	domain.KindImageGeneration: 0.0055,
	domain.KindVideoGeneration: 0.09,
	domain.KindSceneTransition: 0.09,
	domain.KindVoiceClone:      0.05,
	domain.KindVoiceSynthesis:  0.0003,
	domain.KindComposition:     0.001,
}

type rateKey struct {
	model      string
	resolution string
}

// Estimator prices jobs before submission from a fixed rate table
type Estimator struct {
	rates        map[rateKey]float64
	kindDefaults map[domain.JobKind]float64
}

// NewEstimator builds the rate table. kindDefaults override DefaultKindRates per kind.
func NewEstimator(rates []Rate, kindDefaults map[domain.JobKind]float64) *Estimator {
	e := &Estimator{
		rates:        make(map[rateKey]float64, len(rates)),
		kindDefaults: make(map[domain.JobKind]float64, len(DefaultKindRates)),
	}
	for k, v := range DefaultKindRates {
		e.kindDefaults[k] = v
	}
	for k, v := range kindDefaults {
		e.kindDefaults[k] = v
	}
	for _, r := range rates {
		res := r.Resolution
		if res == "" {
			res = AnyResolution
		}
		e.rates[rateKey{model: r.Model, resolution: res}] = r.PerUnit
	}
	return e
}

// Estimate returns the expected price in USD. It is linear in durationSeconds.
func (e *Estimator) Estimate(kind domain.JobKind, model string, durationSeconds float64, resolution string) (float64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidRequest, kind)
	}
	if durationSeconds < 0 {
		return 0, fmt.Errorf("%w: duration must not be negative", domain.ErrInvalidRequest)
	}

	units := 1.0
	if kind.HasDuration() {
		units = durationSeconds
	}
	return e.rateFor(kind, model, resolution) * units, nil
}

// EstimateBatch prices n identical jobs
func (e *Estimator) EstimateBatch(kind domain.JobKind, model string, durationSeconds float64, resolution string, n int) (float64, error) {
	if n < 1 {
		return 0, fmt.Errorf("%w: batch size must be at least 1", domain.ErrInvalidRequest)
	}
	per, err := e.Estimate(kind, model, durationSeconds, resolution)
	if err != nil {
		return 0, err
	}
	return per * float64(n), nil
}

// EstimateJob prices a job from its own input
func (e *Estimator) EstimateJob(job *domain.Job) (float64, error) {
	return e.Estimate(job.Kind, job.Model, job.Input.Duration(), job.Input.Resolution())
}

func (e *Estimator) rateFor(kind domain.JobKind, model, resolution string) float64 {
	if resolution != "" {
		if r, ok := e.rates[rateKey{model: model, resolution: resolution}]; ok {
			return r
		}
	}
	if r, ok := e.rates[rateKey{model: model, resolution: AnyResolution}]; ok {
		return r
	}
	return e.kindDefaults[kind]
}
