package tokencount

type modelLimits struct {
	contextWindow int
	maxOutput     int
}

type anthropicCounter struct {
	model        string
	safetyMargin float64
	limits       modelLimits
}

var anthropicLimits = map[string]modelLimits{
	"claude-sonnet-4-5-20250929": {contextWindow: 200000, maxOutput: 64000},
	"claude-opus-4-1-20250805":   {contextWindow: 200000, maxOutput: 32000},
	"claude-sonnet-4-20250514":   {contextWindow: 200000, maxOutput: 64000},
	"claude-3-5-sonnet-20241022": {contextWindow: 200000, maxOutput: 8192},
	"claude-3-5-haiku-20241022":  {contextWindow: 200000, maxOutput: 8192},
	"claude-3-opus-20240229":     {contextWindow: 200000, maxOutput: 4096},
	"claude-3-sonnet-20240229":   {contextWindow: 200000, maxOutput: 4096},
	"claude-3-haiku-20240307":    {contextWindow: 200000, maxOutput: 4096},
}

func newAnthropicCounter(cfg Config) (Counter, error) {
	limits, ok := anthropicLimits[cfg.Model]
	if !ok {
		limits = modelLimits{contextWindow: 200000, maxOutput: 4096}
	}
	return &anthropicCounter{model: cfg.Model, safetyMargin: cfg.SafetyMargin, limits: limits}, nil
}

// Count uses Anthropic's published heuristic of roughly one token per
// 3.5 characters; good enough for a preflight budget check.
func (a *anthropicCounter) Count(text string) (int, error) {
	return int(float64(len(text)) / 3.5), nil
}

func (a *anthropicCounter) CountMessages(messages []Message) (int, error) {
	total := 0
	for _, msg := range messages {
		total += 10
		total += int(float64(len(msg.Content)) / 3.5)
	}
	total += 5
	return total, nil
}

func (a *anthropicCounter) MaxContextWindow() int { return a.limits.contextWindow }
func (a *anthropicCounter) MaxOutputTokens() int  { return a.limits.maxOutput }
func (a *anthropicCounter) ReserveTokens() int {
	return int(float64(a.limits.contextWindow) * a.safetyMargin)
}
func (a *anthropicCounter) Provider() string { return "anthropic" }
func (a *anthropicCounter) Model() string    { return a.model }
