package features

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// featureInfo mirrors the feature_info.json document the training pipeline
// ships beside the class mapping.
type featureInfo struct {
	FeatureNames []string `json:"feature_names"`
}

// VerifyInfoFile cross-checks the compiled-in feature schema against the
// feature_info.json sibling of the class mapping, when one exists. A missing
// file is fine; a mismatched one refuses startup.
func VerifyInfoFile(classMappingPath string) error {
	path := filepath.Join(filepath.Dir(classMappingPath), "feature_info.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var info featureInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(info.FeatureNames) != VectorSize {
		return fmt.Errorf("feature_info.json lists %d features, models expect %d", len(info.FeatureNames), VectorSize)
	}
	for i, name := range info.FeatureNames {
		if name != Names[i] {
			return fmt.Errorf("feature_info.json column %d is %q, expected %q", i, name, Names[i])
		}
	}
	return nil
}
