package ensemble

import (
	"fmt"
	"math"
	"os"

	"NetSentry/internal/features"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Scaler is the per-feature affine transform fitted during training.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Transform standardizes the vector in place and clips the result to ±5
// standard deviations, matching the training pipeline.
func (s *Scaler) Transform(v []float64) {
	for i := range v {
		if math.IsNaN(v[i]) || math.IsInf(v[i], 0) {
			v[i] = 0
		}
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		x := (v[i] - s.Mean[i]) / scale
		if x > 5 {
			x = 5
		} else if x < -5 {
			x = -5
		}
		v[i] = x
	}
}

// Tree describes one decision tree in parallel-array form, the way
// the training pipeline exports fitted estimators. Leaves have Left == -1 and
// carry a class distribution in Value.
type Tree struct {
	Feature   []int       `json:"feature"`
	Threshold []float64   `json:"threshold"`
	Left      []int       `json:"left"`
	Right     []int       `json:"right"`
	Value     [][]float64 `json:"value"`
}

// TreeModel is a calibrated forest: per-tree leaf distributions averaged into
// class probabilities.
type TreeModel struct {
	NumClasses int    `json:"n_classes"`
	Trees      []Tree `json:"trees"`
}

// PredictProba walks every tree and averages the leaf distributions.
func (m *TreeModel) PredictProba(v []float64) []float64 {
	probs := make([]float64, m.NumClasses)
	for ti := range m.Trees {
		t := &m.Trees[ti]
		node := 0
		for t.Left[node] != -1 {
			if v[t.Feature[node]] <= t.Threshold[node] {
				node = t.Left[node]
			} else {
				node = t.Right[node]
			}
		}
		for c, p := range t.Value[node] {
			probs[c] += p
		}
	}
	if len(m.Trees) > 1 {
		inv := 1 / float64(len(m.Trees))
		for c := range probs {
			probs[c] *= inv
		}
	}
	return probs
}

// DenseLayer is one fully connected layer with row-major weights
// (Weights[in][out]).
type DenseLayer struct {
	Weights    [][]float64 `json:"weights"`
	Bias       []float64   `json:"bias"`
	Activation string      `json:"activation"`
}

// NeuralModel is the feed-forward network exported by the training pipeline.
type NeuralModel struct {
	Layers []DenseLayer `json:"layers"`
}

// PredictProba runs the forward pass. The final layer is expected to end in a
// softmax so the output is a probability vector.
func (m *NeuralModel) PredictProba(v []float64) []float64 {
	x := v
	for li := range m.Layers {
		layer := &m.Layers[li]
		out := make([]float64, len(layer.Bias))
		for j := range out {
			out[j] = layer.Bias[j]
		}
		for i, xi := range x {
			if xi == 0 {
				continue
			}
			row := layer.Weights[i]
			for j, w := range row {
				out[j] += xi * w
			}
		}
		switch layer.Activation {
		case "relu":
			for j := range out {
				if out[j] < 0 {
					out[j] = 0
				}
			}
		case "softmax":
			softmax(out)
		}
		x = out
	}
	return x
}

func softmax(x []float64) {
	max := math.Inf(-1)
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float64
	for i := range x {
		x[i] = math.Exp(x[i] - max)
		sum += x[i]
	}
	if sum == 0 {
		return
	}
	for i := range x {
		x[i] /= sum
	}
}

// ClassMapping maps labels to model output indices. It is shipped with the
// models and trusted as-is.
type ClassMapping struct {
	byLabel map[string]int
	byIndex []string
}

// Label returns the class name at the given output index.
func (cm *ClassMapping) Label(index int) string {
	if index < 0 || index >= len(cm.byIndex) {
		return ""
	}
	return cm.byIndex[index]
}

// Index returns the output index for a label, or -1 when unknown.
func (cm *ClassMapping) Index(label string) int {
	if i, ok := cm.byLabel[label]; ok {
		return i
	}
	return -1
}

// Size returns the number of classes.
func (cm *ClassMapping) Size() int {
	return len(cm.byIndex)
}

func loadClassMapping(path string) (*ClassMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read class mapping: %w", err)
	}
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse class mapping: %w", err)
	}
	cm := &ClassMapping{
		byLabel: raw,
		byIndex: make([]string, len(raw)),
	}
	for label, idx := range raw {
		if idx < 0 || idx >= len(cm.byIndex) {
			return nil, fmt.Errorf("class mapping index %d for %q out of range", idx, label)
		}
		if cm.byIndex[idx] != "" {
			return nil, fmt.Errorf("class mapping has duplicate index %d", idx)
		}
		cm.byIndex[idx] = label
	}
	return cm, nil
}

func loadScaler(path string) (*Scaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scaler: %w", err)
	}
	var s Scaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scaler: %w", err)
	}
	if len(s.Mean) != features.VectorSize || len(s.Scale) != features.VectorSize {
		return nil, fmt.Errorf("scaler dimensionality %d/%d, expected %d", len(s.Mean), len(s.Scale), features.VectorSize)
	}
	return &s, nil
}

func loadTreeModel(path string, classes int) (*TreeModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tree model: %w", err)
	}
	var m TreeModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse tree model: %w", err)
	}
	if m.NumClasses != classes {
		return nil, fmt.Errorf("tree model emits %d classes, class mapping has %d", m.NumClasses, classes)
	}
	if len(m.Trees) == 0 {
		return nil, fmt.Errorf("tree model contains no trees")
	}
	return &m, nil
}

func loadNeuralModel(path string, classes int) (*NeuralModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read neural model: %w", err)
	}
	var m NeuralModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse neural model: %w", err)
	}
	if len(m.Layers) == 0 {
		return nil, fmt.Errorf("neural model contains no layers")
	}
	last := m.Layers[len(m.Layers)-1]
	if len(last.Bias) != classes {
		return nil, fmt.Errorf("neural model emits %d classes, class mapping has %d", len(last.Bias), classes)
	}
	return &m, nil
}
