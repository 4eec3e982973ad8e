package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MP2RAGEFileName is the acquisition parameter file shared with dcm2bids.
const MP2RAGEFileName = "mp2rage.json"

// MP2RAGEParams holds the sequence parameters needed to fit T1 maps.
type MP2RAGEParams struct {
	RepetitionTimeExcitation  float64    `json:"RepetitionTimeExcitation"`
	RepetitionTimePreparation float64    `json:"RepetitionTimePreparation"`
	InversionTime             [2]float64 `json:"InversionTime"`
	NumberShots               int        `json:"NumberShots"`
	FlipAngle                 [2]float64 `json:"FlipAngle"`
}

// MP2RAGEPath returns the location of the study's mp2rage.json.
func (c *Config) MP2RAGEPath() string {
	return filepath.Join(c.CodeDir(), MP2RAGEFileName)
}

// LoadMP2RAGEParams reads code/mp2rage.json. A missing or incomplete file
// yields nil params together with the reason.
func (c *Config) LoadMP2RAGEParams() (*MP2RAGEParams, error) {
	path := c.MP2RAGEPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, key := range []string{
		"RepetitionTimeExcitation",
		"RepetitionTimePreparation",
		"InversionTime",
		"NumberShots",
		"FlipAngle",
	} {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("%s: missing %s", path, key)
		}
	}

	var params MP2RAGEParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if params.RepetitionTimeExcitation <= 0 || params.RepetitionTimePreparation <= 0 || params.NumberShots <= 0 {
		return nil, fmt.Errorf("%s: repetition times and NumberShots must be positive", path)
	}
	return &params, nil
}
