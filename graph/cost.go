package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ModelPricing is the USD price per one million tokens.
type ModelPricing struct {
	InputPer1M  float64 `json:"inputPer1M" yaml:"inputPer1M"`
	OutputPer1M float64 `json:"outputPer1M" yaml:"outputPer1M"`
}

// DefaultModelPricing lists list prices for the models the bundled
// providers default to. Dated model ids match their family by prefix, so
// "gpt-4o-2024-08-06" is priced as "gpt-4o".
func DefaultModelPricing() map[string]ModelPricing {
	return map[string]ModelPricing{
		"gpt-4o":            {InputPer1M: 2.50, OutputPer1M: 10.00},
		"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
		"gpt-4.1":           {InputPer1M: 2.00, OutputPer1M: 8.00},
		"gpt-4.1-mini":      {InputPer1M: 0.40, OutputPer1M: 1.60},
		"gpt-4-turbo":       {InputPer1M: 10.00, OutputPer1M: 30.00},
		"gpt-3.5-turbo":     {InputPer1M: 0.50, OutputPer1M: 1.50},
		"claude-opus-4":     {InputPer1M: 15.00, OutputPer1M: 75.00},
		"claude-sonnet-4":   {InputPer1M: 3.00, OutputPer1M: 15.00},
		"claude-haiku-4-5":  {InputPer1M: 1.00, OutputPer1M: 5.00},
		"claude-3-5-sonnet": {InputPer1M: 3.00, OutputPer1M: 15.00},
		"claude-3-haiku":    {InputPer1M: 0.25, OutputPer1M: 1.25},
		"gemini-2.5-pro":    {InputPer1M: 1.25, OutputPer1M: 10.00},
		"gemini-2.5-flash":  {InputPer1M: 0.30, OutputPer1M: 2.50},
		"gemini-1.5-pro":    {InputPer1M: 1.25, OutputPer1M: 5.00},
		"gemini-1.5-flash":  {InputPer1M: 0.075, OutputPer1M: 0.30},
	}
}

// LLMCall is one priced provider call.
type LLMCall struct {
	Model        string
	NodeID       string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// CostTracker accumulates estimated spend for one execution. Unknown
// models are counted with zero cost.
type CostTracker struct {
	RunID   string
	Pricing map[string]ModelPricing

	mu         sync.Mutex
	calls      []LLMCall
	total      float64
	modelCosts map[string]float64
}

// NewCostTracker uses pricing, or DefaultModelPricing when pricing is nil.
func NewCostTracker(runID string, pricing map[string]ModelPricing) *CostTracker {
	if pricing == nil {
		pricing = DefaultModelPricing()
	}
	return &CostTracker{
		RunID:      runID,
		Pricing:    pricing,
		modelCosts: make(map[string]float64),
	}
}

// RecordLLMCall prices a call and adds it to the total.
func (ct *CostTracker) RecordLLMCall(model string, inputTokens, outputTokens int, nodeID string) error {
	if inputTokens < 0 || outputTokens < 0 {
		return fmt.Errorf("token counts must be non-negative (input %d, output %d)", inputTokens, outputTokens)
	}
	cost := 0.0
	if p, ok := ct.lookup(model); ok {
		cost = float64(inputTokens)/1e6*p.InputPer1M + float64(outputTokens)/1e6*p.OutputPer1M
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.calls = append(ct.calls, LLMCall{
		Model:        model,
		NodeID:       nodeID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
	})
	ct.total += cost
	ct.modelCosts[model] += cost
	return nil
}

// lookup matches model exactly, then by the longest priced prefix.
func (ct *CostTracker) lookup(model string) (ModelPricing, bool) {
	if p, ok := ct.Pricing[model]; ok {
		return p, true
	}
	keys := make([]string, 0, len(ct.Pricing))
	for k := range ct.Pricing {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if strings.HasPrefix(model, k) {
			return ct.Pricing[k], true
		}
	}
	return ModelPricing{}, false
}

// TotalCost returns the estimated spend in USD.
func (ct *CostTracker) TotalCost() float64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.total
}

func (ct *CostTracker) CostByModel() map[string]float64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	out := make(map[string]float64, len(ct.modelCosts))
	for k, v := range ct.modelCosts {
		out[k] = v
	}
	return out
}

func (ct *CostTracker) Calls() []LLMCall {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return append([]LLMCall(nil), ct.calls...)
}

func (ct *CostTracker) String() string {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return fmt.Sprintf("run %s: %d calls, $%.6f", ct.RunID, len(ct.calls), ct.total)
}
