package tokencount

type fallbackCounter struct {
	model        string
	provider     string
	safetyMargin float64
}

func newFallbackCounter(cfg Config) (Counter, error) {
	return &fallbackCounter{model: cfg.Model, provider: cfg.Provider, safetyMargin: cfg.SafetyMargin + 0.10}, nil
}

// Count divides character count by 4, a lower estimate than the
// Anthropic heuristic's 3.5; the extra 0.10 added to the safety margin
// (see ReserveTokens) is what widens the fallback's reserve.
func (f *fallbackCounter) Count(text string) (int, error) {
	return int(float64(len(text)) / 4.0), nil
}

func (f *fallbackCounter) CountMessages(messages []Message) (int, error) {
	total := 0
	for _, msg := range messages {
		total += 15
		total += int(float64(len(msg.Content)) / 4.0)
	}
	total += 10
	return total, nil
}

func (f *fallbackCounter) MaxContextWindow() int { return 128000 }
func (f *fallbackCounter) MaxOutputTokens() int  { return 4096 }
func (f *fallbackCounter) ReserveTokens() int {
	return int(float64(f.MaxContextWindow()) * f.safetyMargin)
}
func (f *fallbackCounter) Provider() string { return f.provider }
func (f *fallbackCounter) Model() string    { return f.model }
