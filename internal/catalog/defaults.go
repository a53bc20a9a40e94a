package catalog

// Indicator IDs referenced by the fraud engine's detectors. Detector
// implementations are registered against these IDs in internal/fraud.
const (
	AfterHours         = "after_hours"
	CustomerVelocity   = "customer_velocity"
	UnknownReference   = "unknown_reference"
	AmountOutlier      = "amount_outlier"
	CategoryTiming     = "category_timing"
	RoundAmount        = "round_amount"
	DuplicateNarrative = "duplicate_narrative"
	MLContent          = "ml_content"
	MLTiming           = "ml_timing"
	MLQuality          = "ml_quality"
)

// Defaults returns the shipped indicator set.
func Defaults() []Indicator {
	return []Indicator{
		{
			ID:          AfterHours,
			Name:        "Transaction outside operating hours",
			Description: "Transaction timestamp falls outside the business's declared hours for that weekday, including days marked closed.",
			Method:      MethodRule,
			Severity:    SeverityCritical,
			Confidence:  0.95,
		},
		{
			ID:          CustomerVelocity,
			Name:        "Same-customer burst",
			Description: "Three or more transactions from the same customer within a trailing one-hour window.",
			Method:      MethodRule,
			Severity:    SeverityHigh,
			Confidence:  0.85,
		},
		{
			ID:          UnknownReference,
			Name:        "Unknown location, department, or staff reference",
			Description: "Transaction narrative names a location, department, or staff member absent from the business context.",
			Method:      MethodRule,
			Severity:    SeverityMedium,
			Confidence:  0.7,
		},
		{
			ID:          AmountOutlier,
			Name:        "Amount outlier",
			Description: "Transaction amount deviates from the business baseline by more than three standard deviations.",
			Method:      MethodStatistical,
			Severity:    SeverityHigh,
			Confidence:  0.8,
		},
		{
			ID:          CategoryTiming,
			Name:        "Category timing anomaly",
			Description: "Feedback timing inconsistent with the business category, e.g. breakfast feedback logged after 14:00.",
			Method:      MethodStatistical,
			Severity:    SeverityMedium,
			Confidence:  0.65,
			Categories:  []string{"restaurant", "cafe", "bakery"},
		},
		{
			ID:          RoundAmount,
			Name:        "Suspiciously round amount",
			Description: "Large round-figure amount, weakly associated with fabricated transactions.",
			Method:      MethodRule,
			Severity:    SeverityLow,
			Confidence:  0.5,
		},
		{
			ID:          DuplicateNarrative,
			Name:        "Duplicate narrative",
			Description: "Free-text narrative identical to another transaction in the same batch.",
			Method:      MethodRule,
			Severity:    SeverityMedium,
			Confidence:  0.75,
		},
		{
			ID:          MLContent,
			Name:        "Content model signal",
			Description: "Model-scored anomaly in narrative content.",
			Method:      MethodML,
			Severity:    SeverityMedium,
			Confidence:  0.6,
		},
		{
			ID:          MLTiming,
			Name:        "Timing model signal",
			Description: "Model-scored anomaly in transaction timing.",
			Method:      MethodML,
			Severity:    SeverityLow,
			Confidence:  0.55,
		},
		{
			ID:          MLQuality,
			Name:        "Quality model signal",
			Description: "Model-scored anomaly in quality/reward figures.",
			Method:      MethodML,
			Severity:    SeverityLow,
			Confidence:  0.55,
		},
	}
}
