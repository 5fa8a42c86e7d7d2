// Package chunk implements the token-count-with-overlap chunking strategy
// the orchestrator's ingest pipeline uses to split a document into
// role=chunk frames (spec §4.1/§4.14): "token-count target with overlap".
package chunk

import (
	"fmt"

	"github.com/wax-db/wax/internal/tokenize"
	"github.com/wax-db/wax/internal/waxerr"
)

// Strategy configures chunking by token count.
type Strategy struct {
	TargetTokens  int // tokens per chunk
	OverlapTokens int // tokens repeated at the start of the next chunk
}

// Split divides text into overlapping token-bounded chunks in document
// order. The final chunk may be shorter than TargetTokens.
func (s Strategy) Split(text string) ([]string, error) {
	if s.TargetTokens <= 0 {
		return nil, waxerr.New(waxerr.KindEncodingError, "chunk.split", fmt.Errorf("target_tokens must be positive, got %d", s.TargetTokens))
	}
	if s.OverlapTokens < 0 || s.OverlapTokens >= s.TargetTokens {
		return nil, waxerr.New(waxerr.KindEncodingError, "chunk.split", fmt.Errorf("overlap_tokens must be in [0, target_tokens), got %d", s.OverlapTokens))
	}

	normalized := tokenize.Normalize(text)
	tokens := tokenize.Tokenize(normalized)
	if len(tokens) == 0 {
		return nil, nil
	}

	stride := s.TargetTokens - s.OverlapTokens
	var chunks []string
	for start := 0; start < len(tokens); start += stride {
		end := start + s.TargetTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, normalized[tokens[start].Start:tokens[end-1].End])
		if end == len(tokens) {
			break
		}
	}
	return chunks, nil
}
