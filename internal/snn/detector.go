// Package snn implements a small spiking neural network used as an
// explainable outlier detector for windows of counter samples.
//
// Two populations of leaky integrate-and-fire neurons, one for normal
// behaviour and one for anomalies, receive rate-coded input spikes. Labeled
// windows strengthen the labeled population's synapses through trace-based
// spike-timing-dependent plasticity. A window is anomalous when the anomaly
// population out-fires the normal one.
package snn

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	// ErrInputSize is returned when a sample does not have one value per input channel.
	ErrInputSize = errors.New("sample size does not match input channels")

	// ErrNoSamples is returned when training on an empty window.
	ErrNoSamples = errors.New("no samples")
)

// Config holds neuron, synapse and plasticity parameters.
type Config struct {
	// Inputs is the number of input channels, one per counter feature.
	Inputs int
	// NeuronsPerPopulation sizes each of the two populations.
	NeuronsPerPopulation int
	// TimeSteps is how long each sample is presented.
	TimeSteps int

	Threshold      float64
	RestPotential  float64
	ResetPotential float64
	// Decay is the per-step fraction of the distance from rest that remains.
	Decay           float64
	RefractorySteps int

	InitialWeight float64
	WeightMin     float64
	WeightMax     float64

	// TauPlus and TauMinus are the pre- and postsynaptic trace time constants in steps.
	TauPlus  float64
	TauMinus float64
	// APlus is the potentiation rate when a presynaptic spike precedes a postsynaptic one.
	APlus float64
	// AMinus is the depression rate for the reverse ordering.
	AMinus float64
	// NormalizeWeights rescales each trained neuron's weights after every
	// sample so they sum to Inputs*InitialWeight.
	NormalizeWeights bool
}

// DefaultConfig returns parameters for eight normalized counter features.
func DefaultConfig() Config {
	return Config{
		Inputs:               8,
		NeuronsPerPopulation: 8,
		TimeSteps:            20,
		Threshold:            1.0,
		RestPotential:        0,
		ResetPotential:       0,
		Decay:                0.9,
		RefractorySteps:      2,
		InitialWeight:        0.2,
		WeightMin:            0,
		WeightMax:            1,
		TauPlus:              2,
		TauMinus:             2,
		APlus:                0.05,
		AMinus:               0.005,
		NormalizeWeights:     true,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	switch {
	case c.Inputs <= 0:
		return fmt.Errorf("inputs must be positive")
	case c.NeuronsPerPopulation <= 0:
		return fmt.Errorf("neurons per population must be positive")
	case c.TimeSteps <= 0:
		return fmt.Errorf("time steps must be positive")
	case c.Threshold <= c.RestPotential:
		return fmt.Errorf("threshold must be above rest potential")
	case c.Decay < 0 || c.Decay >= 1:
		return fmt.Errorf("decay must be in [0, 1)")
	case c.RefractorySteps < 0:
		return fmt.Errorf("refractory steps must be non-negative")
	case c.WeightMin > c.WeightMax:
		return fmt.Errorf("weight min must not exceed weight max")
	case c.InitialWeight < c.WeightMin || c.InitialWeight > c.WeightMax:
		return fmt.Errorf("initial weight must be within [weight min, weight max]")
	case c.TauPlus <= 0 || c.TauMinus <= 0:
		return fmt.Errorf("trace time constants must be positive")
	case c.APlus < 0 || c.AMinus < 0:
		return fmt.Errorf("learning rates must be non-negative")
	}
	return nil
}

// Population identifies one of the two neuron groups.
type Population int

const (
	PopulationNormal Population = iota
	PopulationAnomaly
)

func (p Population) String() string {
	if p == PopulationAnomaly {
		return "anomaly"
	}
	return "normal"
}

// Result is the verdict for a window of samples.
type Result struct {
	Anomaly    bool    `json:"anomaly"`
	Confidence float64 `json:"confidence"`
	// AnomalySpikes and NormalSpikes are summed over the whole window.
	AnomalySpikes int `json:"anomaly_spikes"`
	NormalSpikes  int `json:"normal_spikes"`
	Samples       int `json:"samples"`
	// Flagged lists the indexes of samples whose anomaly population out-fired the normal one.
	Flagged []int `json:"flagged,omitempty"`
}

// Stats summarizes detector activity and learned weights.
type Stats struct {
	Neurons           int     `json:"neurons"`
	Synapses          int     `json:"synapses"`
	TrainedSamples    uint64  `json:"trained_samples"`
	ProcessedSamples  uint64  `json:"processed_samples"`
	Detections        uint64  `json:"detections"`
	Anomalies         uint64  `json:"anomalies"`
	MeanNormalWeight  float64 `json:"mean_normal_weight"`
	MeanAnomalyWeight float64 `json:"mean_anomaly_weight"`
}

type neuron struct {
	v          float64
	refractory int
	trace      float64
}

// Detector owns the network. Synaptic weights persist across calls; neuron
// state is reset before every sample. All methods are safe for concurrent use.
type Detector struct {
	cfg Config

	mu      sync.Mutex
	weights [][]float64 // [neuron][input]; normal population first
	neurons []neuron
	pre     []float64 // presynaptic traces
	acc     []float64 // rate encoder accumulators
	decayX  float64
	decayY  float64

	trained    uint64
	processed  uint64
	detections uint64
	anomalies  uint64
}

// New creates a detector with every weight at cfg.InitialWeight.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid snn config: %w", err)
	}
	total := 2 * cfg.NeuronsPerPopulation
	d := &Detector{
		cfg:     cfg,
		weights: make([][]float64, total),
		neurons: make([]neuron, total),
		pre:     make([]float64, cfg.Inputs),
		acc:     make([]float64, cfg.Inputs),
		decayX:  math.Exp(-1 / cfg.TauPlus),
		decayY:  math.Exp(-1 / cfg.TauMinus),
	}
	for j := range d.weights {
		d.weights[j] = make([]float64, cfg.Inputs)
		for i := range d.weights[j] {
			d.weights[j][i] = cfg.InitialWeight
		}
	}
	return d, nil
}

// Config returns the detector parameters.
func (d *Detector) Config() Config {
	return d.cfg
}

func (d *Detector) population(j int) Population {
	if j < d.cfg.NeuronsPerPopulation {
		return PopulationNormal
	}
	return PopulationAnomaly
}

func (d *Detector) checkSamples(samples [][]float64) error {
	for idx, s := range samples {
		if len(s) != d.cfg.Inputs {
			return fmt.Errorf("%w: sample %d has %d values, want %d", ErrInputSize, idx, len(s), d.cfg.Inputs)
		}
	}
	return nil
}

func (d *Detector) resetLocked() {
	for j := range d.neurons {
		d.neurons[j] = neuron{v: d.cfg.RestPotential}
	}
	for i := range d.pre {
		d.pre[i] = 0
		d.acc[i] = 0
	}
}

// runLocked presents one sample for TimeSteps steps. When learn is set only
// the labeled population integrates input and its synapses adapt; the other
// population is held silent. It returns the spike count of each population.
func (d *Detector) runLocked(sample []float64, learn bool, label Population) (normal, anomaly int) {
	d.resetLocked()
	spikesIn := make([]bool, d.cfg.Inputs)
	fired := make([]bool, len(d.neurons))

	for t := 0; t < d.cfg.TimeSteps; t++ {
		for i := range d.pre {
			d.pre[i] *= d.decayX
		}
		for j := range d.neurons {
			d.neurons[j].trace *= d.decayY
		}

		for i, v := range sample {
			d.acc[i] += clamp01(v)
			spikesIn[i] = d.acc[i] >= 1
			if !spikesIn[i] {
				continue
			}
			d.acc[i]--
			d.pre[i] = 1
			if learn {
				for j := range d.neurons {
					if d.population(j) == label {
						d.adjust(j, i, -d.cfg.AMinus*d.neurons[j].trace)
					}
				}
			}
		}

		for j := range d.neurons {
			fired[j] = false
			if learn && d.population(j) != label {
				continue
			}
			n := &d.neurons[j]
			if n.refractory > 0 {
				n.refractory--
				n.v = d.cfg.ResetPotential
				continue
			}
			var current float64
			for i, s := range spikesIn {
				if s {
					current += d.weights[j][i]
				}
			}
			n.v = d.cfg.RestPotential + (n.v-d.cfg.RestPotential)*d.cfg.Decay + current
			if n.v >= d.cfg.Threshold {
				fired[j] = true
				n.v = d.cfg.ResetPotential
				n.refractory = d.cfg.RefractorySteps
				if d.population(j) == PopulationAnomaly {
					anomaly++
				} else {
					normal++
				}
			}
		}

		if learn {
			for j, f := range fired {
				if !f {
					continue
				}
				d.neurons[j].trace = 1
				for i := range d.pre {
					d.adjust(j, i, d.cfg.APlus*d.pre[i])
				}
			}
		}
	}
	if learn && d.cfg.NormalizeWeights {
		d.normalizeLocked(label)
	}
	return normal, anomaly
}

func (d *Detector) normalizeLocked(label Population) {
	budget := d.cfg.InitialWeight * float64(d.cfg.Inputs)
	if budget <= 0 {
		return
	}
	for j, row := range d.weights {
		if d.population(j) != label {
			continue
		}
		var sum float64
		for _, w := range row {
			sum += w
		}
		if sum <= 0 {
			continue
		}
		scale := budget / sum
		for i, w := range row {
			row[i] = d.cfg.WeightMin
			d.adjust(j, i, w*scale-d.cfg.WeightMin)
		}
	}
}

func (d *Detector) adjust(j, i int, delta float64) {
	w := d.weights[j][i] + delta
	if w < d.cfg.WeightMin {
		w = d.cfg.WeightMin
	} else if w > d.cfg.WeightMax {
		w = d.cfg.WeightMax
	}
	d.weights[j][i] = w
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Train presents each sample with plasticity enabled on the population
// matching isAnomaly.
func (d *Detector) Train(samples [][]float64, isAnomaly bool) error {
	if len(samples) == 0 {
		return ErrNoSamples
	}
	if err := d.checkSamples(samples); err != nil {
		return err
	}
	label := PopulationNormal
	if isAnomaly {
		label = PopulationAnomaly
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range samples {
		d.runLocked(s, true, label)
	}
	d.trained += uint64(len(samples))
	return nil
}

// Process classifies a window without changing any weights. An empty window
// is reported as not anomalous.
func (d *Detector) Process(samples [][]float64) (Result, error) {
	if err := d.checkSamples(samples); err != nil {
		return Result{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	res := Result{Samples: len(samples)}
	for idx, s := range samples {
		n, a := d.runLocked(s, false, PopulationNormal)
		res.NormalSpikes += n
		res.AnomalySpikes += a
		if a > n {
			res.Flagged = append(res.Flagged, idx)
		}
	}
	res.Anomaly = res.AnomalySpikes > res.NormalSpikes
	if total := res.AnomalySpikes + res.NormalSpikes; total > 0 {
		res.Confidence = math.Abs(float64(res.AnomalySpikes-res.NormalSpikes)) / float64(total)
	}

	d.processed += uint64(len(samples))
	d.detections++
	if res.Anomaly {
		d.anomalies++
	}
	return res, nil
}

// Weights returns a copy of the synaptic weights indexed [neuron][input].
// Normal population neurons come first.
func (d *Detector) Weights() [][]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]float64, len(d.weights))
	for j, row := range d.weights {
		out[j] = append([]float64(nil), row...)
	}
	return out
}

// SetWeights replaces the synaptic weights, clamping each to [WeightMin, WeightMax].
func (d *Detector) SetWeights(w [][]float64) error {
	if len(w) != len(d.weights) {
		return fmt.Errorf("%w: got %d neurons, want %d", ErrInputSize, len(w), len(d.weights))
	}
	for j, row := range w {
		if len(row) != d.cfg.Inputs {
			return fmt.Errorf("%w: neuron %d has %d weights, want %d", ErrInputSize, j, len(row), d.cfg.Inputs)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for j, row := range w {
		for i, v := range row {
			d.weights[j][i] = d.cfg.WeightMin
			d.adjust(j, i, v-d.cfg.WeightMin)
		}
	}
	return nil
}

// Stats returns counters and mean weights per population.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Stats{
		Neurons:          len(d.neurons),
		Synapses:         len(d.neurons) * d.cfg.Inputs,
		TrainedSamples:   d.trained,
		ProcessedSamples: d.processed,
		Detections:       d.detections,
		Anomalies:        d.anomalies,
	}
	var sumN, sumA float64
	for j, row := range d.weights {
		for _, w := range row {
			if d.population(j) == PopulationNormal {
				sumN += w
			} else {
				sumA += w
			}
		}
	}
	per := float64(d.cfg.NeuronsPerPopulation * d.cfg.Inputs)
	st.MeanNormalWeight = sumN / per
	st.MeanAnomalyWeight = sumA / per
	return st
}
