package tokenizer

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// vocabFile is the on-disk tokenizer description: the full vocabulary in id
// order and the ranked merge list.
type vocabFile struct {
	Tokens []string `json:"tokens"`
	Merges []string `json:"merges"`
}

// LoadFile reads a tokenizer JSON file and builds a Tokenizer from it.
func LoadFile(path string) (*Tokenizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var vf vocabFile
	if err := json.Unmarshal(raw, &vf); err != nil {
		return nil, fmt.Errorf("parse tokenizer %s: %w", path, err)
	}
	return New(vf.Tokens, vf.Merges)
}
