// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tokenizers converts text to token ids and back.
//
// Two tokenizers are provided: ByteLevel, which needs no vocabulary file, and Vocab, with a vocabulary of
// string tokens loaded from a JSON file (see LoadVocab for the format).
//
// Models trained together (a student and its teacher) must share the same tokenizer: this is checked by
// comparing their Fingerprint.
package tokenizers

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gomlx/distill/pkg/ml/context"
	"github.com/gomlx/distill/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Tokenizer converts text to token ids and back.
type Tokenizer interface {
	// Encode text into token ids. It never adds the EOS token.
	Encode(text string) []int

	// Decode token ids into text. Special tokens (padding and EOS) are skipped.
	Decode(ids []int) string

	// PadID is the id of the padding token.
	PadID() int

	// EOSID is the id of the end-of-sequence token.
	EOSID() int

	// VocabSize is the number of token ids, including the special tokens.
	VocabSize() int

	// Fingerprint identifies the vocabulary and the special token ids: two tokenizers with the same
	// fingerprint map text to the same ids.
	Fingerprint() string
}

var (
	// ParamTokenizer selects the tokenizer: "byte" (the default) for ByteLevel, or the path to a JSON
	// vocabulary file (see LoadVocab).
	ParamTokenizer = "tokenizer"

	// fingerprintNamespace for the SHA1 (version 5) UUIDs used as fingerprints.
	fingerprintNamespace = uuid.MustParse("9c3c9f3e-6f1b-4c55-8d7e-0c1a5e2b7d41")
)

// FromContext returns the tokenizer configured with ParamTokenizer.
func FromContext(ctx *context.Context) (Tokenizer, error) {
	name := context.GetParamOr(ctx, ParamTokenizer, "byte")
	if name == "" || name == "byte" {
		return NewByteLevel(), nil
	}
	return LoadVocab(name)
}

// fingerprint of a tokenizer of the given kind: a SHA1 UUID of its tokens and special ids.
func fingerprint(kind string, tokens []string, padID, eosID int) string {
	var buf bytes.Buffer
	buf.WriteString(kind)
	buf.WriteByte(0)
	_ = binary.Write(&buf, binary.LittleEndian, []int64{int64(len(tokens)), int64(padID), int64(eosID)})
	for _, token := range tokens {
		_ = binary.Write(&buf, binary.LittleEndian, int64(len(token)))
		buf.WriteString(token)
	}
	return uuid.NewSHA1(fingerprintNamespace, buf.Bytes()).String()
}

// ByteLevel tokenizer: ids 0 to 255 are the bytes of the UTF-8 text, followed by the padding (256) and EOS (257)
// tokens.
type ByteLevel struct {
	fingerprint string
}

var _ Tokenizer = (*ByteLevel)(nil)

const (
	bytePadID = 256
	byteEOSID = 257
)

// NewByteLevel creates a ByteLevel tokenizer.
func NewByteLevel() *ByteLevel {
	tokens := make([]string, 256)
	for ii := range tokens {
		tokens[ii] = string([]byte{byte(ii)})
	}
	return &ByteLevel{fingerprint: fingerprint("byte", tokens, bytePadID, byteEOSID)}
}

// Encode implements Tokenizer.
func (b *ByteLevel) Encode(text string) []int {
	ids := make([]int, len(text))
	for ii := range len(text) {
		ids[ii] = int(text[ii])
	}
	return ids
}

// Decode implements Tokenizer.
func (b *ByteLevel) Decode(ids []int) string {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < 256 {
			buf = append(buf, byte(id))
		}
	}
	return string(buf)
}

// PadID implements Tokenizer.
func (b *ByteLevel) PadID() int { return bytePadID }

// EOSID implements Tokenizer.
func (b *ByteLevel) EOSID() int { return byteEOSID }

// VocabSize implements Tokenizer.
func (b *ByteLevel) VocabSize() int { return 258 }

// Fingerprint implements Tokenizer.
func (b *ByteLevel) Fingerprint() string { return b.fingerprint }

// Vocab tokenizer with a fixed list of string tokens. Text is encoded greedily with the longest token matching
// at each position, and characters not covered by any token are encoded as the unknown token.
type Vocab struct {
	tokens              []string
	ids                 map[string]int
	maxTokenLen         int
	padID, eosID, unkID int
	fingerprint         string
}

var _ Tokenizer = (*Vocab)(nil)

// VocabFile is the JSON format of a vocabulary file.
type VocabFile struct {
	// Tokens in id order.
	Tokens []string `json:"tokens"`

	// Pad, EOS and Unk are the special tokens, which must be in Tokens.
	Pad string `json:"pad"`
	EOS string `json:"eos"`
	Unk string `json:"unk"`
}

// NewVocab creates a Vocab tokenizer. Tokens must be unique and non-empty, and the special tokens must be
// part of them.
func NewVocab(file VocabFile) (*Vocab, error) {
	v := &Vocab{
		tokens: file.Tokens,
		ids:    make(map[string]int, len(file.Tokens)),
	}
	for id, token := range file.Tokens {
		if token == "" {
			return nil, errors.Errorf("vocabulary token #%d is empty", id)
		}
		if prevID, found := v.ids[token]; found {
			return nil, errors.Errorf("vocabulary token %q is repeated with ids %d and %d", token, prevID, id)
		}
		v.ids[token] = id
		v.maxTokenLen = max(v.maxTokenLen, len(token))
	}
	for _, special := range []struct {
		name, token string
		id          *int
	}{{"pad", file.Pad, &v.padID}, {"eos", file.EOS, &v.eosID}, {"unk", file.Unk, &v.unkID}} {
		id, found := v.ids[special.token]
		if !found {
			return nil, errors.Errorf("vocabulary special %s token %q is not in the vocabulary", special.name, special.token)
		}
		*special.id = id
	}
	if v.padID == v.eosID {
		return nil, errors.Errorf("vocabulary pad and eos tokens must be different, both are %q", file.Pad)
	}
	v.fingerprint = fingerprint("vocab", v.tokens, v.padID, v.eosID)
	return v, nil
}

// LoadVocab loads a Vocab tokenizer from a JSON file in the VocabFile format, e.g.:
//
//	{"tokens": ["<pad>", "<eos>", "<unk>", "a", "b", "ab"], "pad": "<pad>", "eos": "<eos>", "unk": "<unk>"}
func LoadVocab(filePath string) (*Vocab, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read vocabulary file %q", filePath)
	}
	var file VocabFile
	if err = json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to parse vocabulary file %q", filePath)
	}
	v, err := NewVocab(file)
	return v, errors.WithMessagef(err, "vocabulary file %q", filePath)
}

// BuildCharVocab creates a Vocab with one token per distinct character of the texts, plus the special tokens
// "<pad>", "<eos>" and "<unk>" (ids 0, 1 and 2).
func BuildCharVocab(texts ...string) *Vocab {
	chars := make(map[rune]bool)
	for _, text := range texts {
		for _, r := range text {
			chars[r] = true
		}
	}
	sorted := make([]string, 0, len(chars))
	for r := range chars {
		sorted = append(sorted, string(r))
	}
	sort.Strings(sorted)
	file := VocabFile{Tokens: append([]string{"<pad>", "<eos>", "<unk>"}, sorted...), Pad: "<pad>", EOS: "<eos>", Unk: "<unk>"}
	v, err := NewVocab(file)
	if err != nil {
		// Only happens if the texts contain the special tokens as single characters, which they can't.
		panic(err)
	}
	return v
}

// Save the vocabulary as a JSON file, see LoadVocab.
func (v *Vocab) Save(filePath string) error {
	data, err := json.MarshalIndent(VocabFile{
		Tokens: v.tokens,
		Pad:    v.tokens[v.padID],
		EOS:    v.tokens[v.eosID],
		Unk:    v.tokens[v.unkID],
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode vocabulary")
	}
	return fsutil.WriteFileAtomic(filePath, data, 0644)
}

// Encode implements Tokenizer.
func (v *Vocab) Encode(text string) []int {
	var ids []int
	for len(text) > 0 {
		matched := false
		for length := min(v.maxTokenLen, len(text)); length > 0; length-- {
			if id, found := v.ids[text[:length]]; found && id != v.padID && id != v.eosID {
				ids = append(ids, id)
				text = text[length:]
				matched = true
				break
			}
		}
		if !matched {
			ids = append(ids, v.unkID)
			_, size := utf8.DecodeRuneInString(text)
			text = text[size:]
		}
	}
	return ids
}

// Decode implements Tokenizer.
func (v *Vocab) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(v.tokens) || id == v.padID || id == v.eosID {
			continue
		}
		sb.WriteString(v.tokens[id])
	}
	return sb.String()
}

// PadID implements Tokenizer.
func (v *Vocab) PadID() int { return v.padID }

// EOSID implements Tokenizer.
func (v *Vocab) EOSID() int { return v.eosID }

// UnkID is the id of the unknown token.
func (v *Vocab) UnkID() int { return v.unkID }

// VocabSize implements Tokenizer.
func (v *Vocab) VocabSize() int { return len(v.tokens) }

// Fingerprint implements Tokenizer.
func (v *Vocab) Fingerprint() string { return v.fingerprint }
