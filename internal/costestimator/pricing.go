package costestimator

// ModelPricing holds per-1k-token USD costs, context window, and vision
// support for one model.
type ModelPricing struct {
	InputCostPer1K  float64
	OutputCostPer1K float64
	MaxContextLen   int
	SupportsVision  bool
}

// PricingTable is the embedded model-name -> pricing map, with a "default"
// fallback row for unknown models.
type PricingTable struct {
	rows map[string]ModelPricing
}

// Get returns the pricing row for model, falling back to "default" for
// unrecognized model names.
func (t PricingTable) Get(model string) ModelPricing {
	if p, ok := t.rows[model]; ok {
		return p
	}
	return t.rows["default"]
}

// IsVisionModel reports whether model supports inline image content.
func (t PricingTable) IsVisionModel(model string) bool {
	return t.Get(model).SupportsVision
}

// DefaultPricingTable is the built-in pricing data.
var DefaultPricingTable = PricingTable{rows: map[string]ModelPricing{
	"gpt-4-vision-preview": {InputCostPer1K: 0.01, OutputCostPer1K: 0.03, MaxContextLen: 128000, SupportsVision: true},
	"gpt-4-turbo":          {InputCostPer1K: 0.01, OutputCostPer1K: 0.03, MaxContextLen: 128000, SupportsVision: true},
	"gpt-4":                {InputCostPer1K: 0.03, OutputCostPer1K: 0.06, MaxContextLen: 8192, SupportsVision: false},
	"gpt-3.5-turbo":        {InputCostPer1K: 0.0015, OutputCostPer1K: 0.002, MaxContextLen: 16385, SupportsVision: false},

	"openai/gpt-4-vision-preview": {InputCostPer1K: 0.01, OutputCostPer1K: 0.03, MaxContextLen: 128000, SupportsVision: true},
	"anthropic/claude-3-opus":     {InputCostPer1K: 0.015, OutputCostPer1K: 0.075, MaxContextLen: 200000, SupportsVision: true},

	"default": {InputCostPer1K: 0.01, OutputCostPer1K: 0.03, MaxContextLen: 128000, SupportsVision: true},
}}
