// Package corpus reads bilingual English/Chinese records from
// line-delimited JSON files.
//
// Each non-blank line holds one object:
//
//	{"english": "How are you?", "chinese": "你好吗？"}
//
// Example:
//
//	pairs, err := corpus.Load("translation2019zh_valid.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
package corpus

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// maxLineSize bounds a single JSON record.
const maxLineSize = 16 << 20

// ErrEmptyCorpus is returned by Load when none of the files yields a pair.
var ErrEmptyCorpus = errors.New("corpus: no records loaded")

// Pair is one aligned sentence pair. Pairs are immutable after loading.
type Pair struct {
	English string `json:"english"`
	Chinese string `json:"chinese"`
}

// LoadFile reads all pairs from a JSONL file.
func LoadFile(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer f.Close()

	pairs, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pairs, nil
}

// Read decodes pairs from r, one JSON object per line.
//
// Blank lines are skipped. A line that is not a valid record aborts the read
// with an error carrying its 1-based line number.
func Read(r io.Reader) ([]Pair, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var pairs []Pair
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var p Pair
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, fmt.Errorf("line %d: invalid record: %w", lineNo, err)
		}
		pairs = append(pairs, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
	}

	return pairs, nil
}

// Load reads every file in order and concatenates the pairs.
func Load(paths ...string) ([]Pair, error) {
	var all []Pair
	for _, path := range paths {
		pairs, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		all = append(all, pairs...)
	}
	if len(all) == 0 {
		return nil, ErrEmptyCorpus
	}
	return all, nil
}
