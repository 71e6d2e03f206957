// Package tokenbudget calculates whether a completion request's
// prompt fits a provider's context window, and splits it when it
// doesn't.
package tokenbudget

import (
	"fmt"
	"math"
	"strings"

	"github.com/tenzoki/ksid/internal/tokencount"
)

// Manager computes token budgets against one counter's model limits.
type Manager struct {
	counter    tokencount.Counter
	maxContext int
	maxOutput  int
}

// Budget is one request's token accounting.
type Budget struct {
	SystemTokens    int
	ContextTokens   int
	InputTokens     int
	UsedTokens      int
	AvailableTokens int
	MaxOutputTokens int
	NeedsSplitting  bool
	SuggestedChunks int
}

func NewManager(counter tokencount.Counter) *Manager {
	return &Manager{counter: counter, maxContext: counter.MaxContextWindow(), maxOutput: counter.MaxOutputTokens()}
}

// Calculate counts system/context/input tokens and determines whether
// the input needs splitting to fit the remaining context window.
func (m *Manager) Calculate(system, context, input string) (*Budget, error) {
	systemTokens, err := m.counter.Count(system)
	if err != nil {
		return nil, fmt.Errorf("tokenbudget: count system tokens: %w", err)
	}
	contextTokens, err := m.counter.Count(context)
	if err != nil {
		return nil, fmt.Errorf("tokenbudget: count context tokens: %w", err)
	}
	inputTokens, err := m.counter.Count(input)
	if err != nil {
		return nil, fmt.Errorf("tokenbudget: count input tokens: %w", err)
	}

	usedTokens := systemTokens + contextTokens + inputTokens
	reserveTokens := m.counter.ReserveTokens()
	availableTokens := m.maxContext - usedTokens - reserveTokens

	needsSplitting := false
	suggestedChunks := 1
	if availableTokens < m.maxOutput {
		needsSplitting = true
		maxInputPerChunk := m.maxContext - systemTokens - contextTokens - m.maxOutput - reserveTokens
		if maxInputPerChunk <= 0 {
			return nil, fmt.Errorf("tokenbudget: system+context alone exceed the context window (need %d, have %d)",
				systemTokens+contextTokens+m.maxOutput+reserveTokens, m.maxContext)
		}
		suggestedChunks = int(math.Ceil(float64(inputTokens) / float64(maxInputPerChunk)))
	}

	return &Budget{
		SystemTokens:    systemTokens,
		ContextTokens:   contextTokens,
		InputTokens:     inputTokens,
		UsedTokens:      usedTokens,
		AvailableTokens: availableTokens,
		MaxOutputTokens: m.maxOutput,
		NeedsSplitting:  needsSplitting,
		SuggestedChunks: suggestedChunks,
	}, nil
}

// SplitInput breaks input into chunks sized from budget, preferring
// paragraph boundaries and falling back to sentence boundaries for any
// paragraph that alone exceeds a chunk's share.
func (m *Manager) SplitInput(input string, budget *Budget) ([]string, error) {
	if !budget.NeedsSplitting {
		return []string{input}, nil
	}
	if budget.SuggestedChunks <= 0 {
		return nil, fmt.Errorf("tokenbudget: invalid suggested chunk count %d", budget.SuggestedChunks)
	}

	targetTokensPerChunk := int(math.Ceil(float64(budget.InputTokens) / float64(budget.SuggestedChunks)))
	paragraphs := strings.Split(input, "\n\n")

	var chunks []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			currentTokens = 0
		}
	}

	for _, para := range paragraphs {
		paraTokens, err := m.counter.Count(para)
		if err != nil {
			return nil, fmt.Errorf("tokenbudget: count paragraph tokens: %w", err)
		}

		if paraTokens > targetTokensPerChunk {
			flush()
			for _, sentence := range splitBySentences(para) {
				sentTokens, err := m.counter.Count(sentence)
				if err != nil {
					return nil, fmt.Errorf("tokenbudget: count sentence tokens: %w", err)
				}
				if currentTokens+sentTokens > targetTokensPerChunk && current.Len() > 0 {
					flush()
				}
				if current.Len() > 0 {
					current.WriteString(" ")
				}
				current.WriteString(sentence)
				currentTokens += sentTokens
			}
			continue
		}

		if currentTokens+paraTokens > targetTokensPerChunk && current.Len() > 0 {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentTokens += paraTokens
	}
	flush()

	if len(chunks) == 0 {
		return []string{input}, nil
	}
	return chunks, nil
}

func splitBySentences(text string) []string {
	text = strings.ReplaceAll(text, ". ", ".\n")
	text = strings.ReplaceAll(text, "! ", "!\n")
	text = strings.ReplaceAll(text, "? ", "?\n")

	var result []string
	for _, s := range strings.Split(text, "\n") {
		if s = strings.TrimSpace(s); s != "" {
			result = append(result, s)
		}
	}
	return result
}
