package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

const (
	clsToken = "[CLS]"
	sepToken = "[SEP]"
	padToken = "[PAD]"
	unkToken = "[UNK]"

	maxSeqLen = 256
)

// wordpieceTokenizer is a minimal BERT-style tokenizer: lowercasing, rune
// class splitting, then greedy longest-match against the vocabulary with
// "##" continuation pieces. Enough for the sentence-embedding checkpoints
// this service ships with.
type wordpieceTokenizer struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	pad   int64
	unk   int64
}

func newWordpieceTokenizer(vocab map[string]int64) (*wordpieceTokenizer, error) {
	t := &wordpieceTokenizer{vocab: vocab}
	for _, special := range []struct {
		token string
		id    *int64
	}{
		{clsToken, &t.cls},
		{sepToken, &t.sep},
		{padToken, &t.pad},
		{unkToken, &t.unk},
	} {
		id, ok := vocab[special.token]
		if !ok {
			return nil, fmt.Errorf("vocabulary is missing %s", special.token)
		}
		*special.id = id
	}
	return t, nil
}

func loadVocab(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab failed: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var id int64
	for sc.Scan() {
		vocab[strings.TrimRight(sc.Text(), "\r\n")] = id
		id++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vocab failed: %w", err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("vocab at %s is empty", path)
	}
	return vocab, nil
}

// Encode produces token ids and an attention mask for one text, truncated to
// maxSeqLen including the [CLS]/[SEP] wrappers.
func (t *wordpieceTokenizer) Encode(text string) (ids []int64, mask []int64) {
	ids = append(ids, t.cls)
	for _, word := range basicTokenize(text) {
		ids = append(ids, t.wordpiece(word)...)
		if len(ids) >= maxSeqLen-1 {
			ids = ids[:maxSeqLen-1]
			break
		}
	}
	ids = append(ids, t.sep)

	mask = make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return ids, mask
}

func (t *wordpieceTokenizer) wordpiece(word string) []int64 {
	runes := []rune(word)
	var pieces []int64
	start := 0
	for start < len(runes) {
		end := len(runes)
		var id int64
		found := false
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if v, ok := t.vocab[piece]; ok {
				id = v
				found = true
				break
			}
			end--
		}
		if !found {
			return []int64{t.unk}
		}
		pieces = append(pieces, id)
		start = end
	}
	return pieces
}

// basicTokenize lowercases and splits on whitespace, treating every
// punctuation rune as its own token.
func basicTokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			tokens = append(tokens, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// pad aligns every sequence in the batch to the longest one.
func padBatch(ids, masks [][]int64, padID int64) (paddedIDs, paddedMasks [][]int64, seqLen int) {
	for _, seq := range ids {
		if len(seq) > seqLen {
			seqLen = len(seq)
		}
	}
	paddedIDs = make([][]int64, len(ids))
	paddedMasks = make([][]int64, len(ids))
	for i := range ids {
		paddedIDs[i] = append([]int64{}, ids[i]...)
		paddedMasks[i] = append([]int64{}, masks[i]...)
		for len(paddedIDs[i]) < seqLen {
			paddedIDs[i] = append(paddedIDs[i], padID)
			paddedMasks[i] = append(paddedMasks[i], 0)
		}
	}
	return paddedIDs, paddedMasks, seqLen
}
