// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/distill/pkg/support/fsutil"
	"github.com/gomlx/distill/pkg/tokenizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// maxLineSize accepted when reading text files.
const maxLineSize = 16 << 20

// jsonlRecord is a line of a JSONL file. Prompts are read from the "prompt" field, falling back to "text".
type jsonlRecord struct {
	Prompt string `json:"prompt"`
	Text   string `json:"text"`
}

// ReadTexts reads the texts of a file, one per line, skipping empty lines.
//
// If the file has the ".jsonl" extension, each line is a JSON object and the text is taken from field (either
// "prompt" or "text").
func ReadTexts(filePath, field string) ([]string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	texts, err := readTexts(f, strings.ToLower(filepath.Ext(filePath)) == ".jsonl", field)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", filePath)
	}
	return texts, nil
}

func readTexts(r io.Reader, isJSONL bool, field string) ([]string, error) {
	var texts []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !isJSONL {
			texts = append(texts, line)
			continue
		}
		var record jsonlRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}
		text := record.Text
		if field == "prompt" && record.Prompt != "" {
			text = record.Prompt
		}
		if text == "" {
			return nil, errors.Errorf("line %d has no %q field", lineNum, field)
		}
		texts = append(texts, text)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read")
	}
	return texts, nil
}

// NewPrompts tokenizes the prompt texts into a dataset. Prompts longer than maxPromptLength tokens are
// left-truncated (the last maxPromptLength tokens are kept), and prompts that tokenize to nothing are dropped.
// If maxPromptLength <= 0 prompts are not truncated.
func NewPrompts(name string, texts []string, tok tokenizers.Tokenizer, maxPromptLength int) (*InMemory, error) {
	prompts := make([][]int, 0, len(texts))
	var numTruncated, numEmpty int
	for _, text := range texts {
		ids := tok.Encode(text)
		if len(ids) == 0 {
			numEmpty++
			continue
		}
		if maxPromptLength > 0 && len(ids) > maxPromptLength {
			ids = ids[len(ids)-maxPromptLength:]
			numTruncated++
		}
		prompts = append(prompts, ids)
	}
	if numTruncated > 0 || numEmpty > 0 {
		klog.V(1).Infof("prompts %q: %d truncated to %d tokens, %d empty dropped", name, numTruncated, maxPromptLength, numEmpty)
	}
	return NewInMemory(name, prompts)
}

// LoadPrompts reads and tokenizes a prompts file, see ReadTexts and NewPrompts.
func LoadPrompts(filePath string, tok tokenizers.Tokenizer, maxPromptLength int) (*InMemory, error) {
	texts, err := ReadTexts(filePath, "prompt")
	if err != nil {
		return nil, err
	}
	return NewPrompts(filepath.Base(filePath), texts, tok, maxPromptLength)
}

// NewCorpus tokenizes the documents of a language modeling corpus, appends the EOS token to each one,
// concatenates them and splits the result into chunks of chunkLength tokens. The remaining tokens that don't
// fill a chunk are dropped.
func NewCorpus(name string, documents []string, tok tokenizers.Tokenizer, chunkLength int) (*InMemory, error) {
	if chunkLength < 2 {
		return nil, errors.Errorf("corpus %q: chunk length must be at least 2, got %d", name, chunkLength)
	}
	var stream []int
	for _, doc := range documents {
		stream = append(stream, tok.Encode(doc)...)
		stream = append(stream, tok.EOSID())
	}
	numChunks := len(stream) / chunkLength
	if numChunks == 0 {
		return nil, errors.Errorf("corpus %q has %d tokens, not enough for one chunk of %d tokens",
			name, len(stream), chunkLength)
	}
	chunks := make([][]int, numChunks)
	for ii := range chunks {
		chunks[ii] = stream[ii*chunkLength : (ii+1)*chunkLength]
	}
	return NewInMemory(name, chunks)
}

// LoadCorpus reads, tokenizes and chunks a language modeling corpus file, see ReadTexts and NewCorpus.
func LoadCorpus(filePath string, tok tokenizers.Tokenizer, chunkLength int) (*InMemory, error) {
	documents, err := ReadTexts(filePath, "text")
	if err != nil {
		return nil, err
	}
	return NewCorpus(filepath.Base(filePath), documents, tok, chunkLength)
}
