package ensemble

import (
	"fmt"
	"math"

	"NetSentry/internal/config"
	"NetSentry/internal/features"
	"NetSentry/internal/model"

	log "github.com/sirupsen/logrus"
)

// Method strings recorded on predictions.
const (
	MethodConsensus = "ensemble_consensus"
	MethodWeighted  = "ensemble_weighted"
	MethodFallback  = "synthetic_benign"
)

// Ensemble combines the calibrated tree model and the neural network behind
// one prediction call. All state is immutable after Load, so Predict is safe
// from any goroutine.
type Ensemble struct {
	tree    *TreeModel
	neural  *NeuralModel
	scaler  *Scaler
	classes *ClassMapping

	benignIndex int
	threshold   float64
	treeWeight  float64
	nnWeight    float64
}

// Load reads every frozen artifact. Any failure here is fatal for the
// process; the caller maps it onto the model exit code.
func Load(cfg config.ModelsConfig) (*Ensemble, error) {
	classes, err := loadClassMapping(cfg.ClassMappingPath)
	if err != nil {
		return nil, err
	}
	if err := features.VerifyInfoFile(cfg.ClassMappingPath); err != nil {
		return nil, err
	}
	scaler, err := loadScaler(cfg.ScalerPath)
	if err != nil {
		return nil, err
	}
	tree, err := loadTreeModel(cfg.MLPath, classes.Size())
	if err != nil {
		return nil, err
	}
	neural, err := loadNeuralModel(cfg.DLPath, classes.Size())
	if err != nil {
		return nil, err
	}
	benign := classes.Index(model.BenignLabel)
	if benign < 0 {
		return nil, fmt.Errorf("class mapping is missing %q", model.BenignLabel)
	}

	log.Printf("Model ensemble loaded: %d classes, %d trees, %d dense layers",
		classes.Size(), len(tree.Trees), len(neural.Layers))
	return &Ensemble{
		tree:        tree,
		neural:      neural,
		scaler:      scaler,
		classes:     classes,
		benignIndex: benign,
		threshold:   cfg.OptimalThreshold,
		treeWeight:  cfg.MLWeight,
		nnWeight:    cfg.DLWeight,
	}, nil
}

// Classes exposes the loaded label alphabet.
func (e *Ensemble) Classes() *ClassMapping {
	return e.classes
}

// Predict scores one feature vector. The input slice is consumed (scaled in
// place); callers must not reuse it.
func (e *Ensemble) Predict(vector []float64) (model.Prediction, error) {
	if len(vector) != features.VectorSize {
		return SyntheticBenign(), fmt.Errorf("feature vector has %d columns, expected %d", len(vector), features.VectorSize)
	}
	e.scaler.Transform(vector)

	pTree := e.tree.PredictProba(vector)
	pNN := e.neural.PredictProba(vector)

	combined := make([]float64, e.classes.Size())
	for i := range combined {
		combined[i] = e.treeWeight*pTree[i] + e.nnWeight*pNN[i]
		if math.IsNaN(combined[i]) || math.IsInf(combined[i], 0) {
			combined[i] = 0
		}
	}

	best := argmax(combined)
	conf := combined[best]
	method := MethodWeighted

	if conf < e.threshold {
		best = e.benignIndex
		conf = combined[best]
	} else if argmax(pTree) == best && argmax(pNN) == best {
		method = MethodConsensus
		conf = math.Min(1.0, conf*1.05)
	}

	label := e.classes.Label(best)
	return model.Prediction{
		Label:      label,
		Severity:   model.SeverityFor(label),
		Confidence: clamp01(conf),
		Method:     method,
		Tree:       vote(e.classes, pTree),
		Neural:     vote(e.classes, pNN),
	}, nil
}

// SyntheticBenign is the prediction substituted when inference fails or times
// out, so downstream stages never stall on a broken flow.
func SyntheticBenign() model.Prediction {
	return model.Prediction{
		Label:      model.BenignLabel,
		Severity:   model.SeverityLow,
		Confidence: 0,
		Method:     MethodFallback,
	}
}

func vote(classes *ClassMapping, probs []float64) model.ModelVote {
	i := argmax(probs)
	return model.ModelVote{Label: classes.Label(i), Confidence: clamp01(probs[i])}
}

func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
