package model

// InvoiceFields is the structured result of one extraction attempt.
// Every field is independently nullable; a missing operator never
// invalidates a readable total. Confidence defaults to 0 when the model
// omits it.
type InvoiceFields struct {
	Operator      *string  `json:"operator"`
	Plan          *string  `json:"plan"`
	TotalAmount   *float64 `json:"total_amount"`
	DueDate       *string  `json:"due_date"`
	Beneficiaries *int     `json:"beneficiaries"`
	Policyholder  *string  `json:"policyholder"`
	Confidence    int      `json:"confidence"`
}

// AgeBrackets is the fixed ANS bracket table. Each entry on a draft
// represents one covered life.
var AgeBrackets = []string{
	"0-18", "19-23", "24-28", "29-33", "34-38",
	"39-43", "44-48", "49-53", "54-58", "59+",
}

// MaxLives caps the bracket list on a single simulation.
const MaxLives = 20

// ValidAgeBracket reports whether b is one of the ANS brackets.
func ValidAgeBracket(b string) bool {
	for _, known := range AgeBrackets {
		if b == known {
			return true
		}
	}
	return false
}

// Estimate is the savings projection computed for a simulation.
// Monthly figures; annual figures are the monthly ones times twelve,
// each rounded to two decimals independently.
type Estimate struct {
	CurrentValue     float64 `json:"current_value"`
	MinValue         float64 `json:"min_value"`
	MaxValue         float64 `json:"max_value"`
	MinSavings       float64 `json:"min_savings"`
	MaxSavings       float64 `json:"max_savings"`
	AnnualMinSavings float64 `json:"annual_min_savings"`
	AnnualMaxSavings float64 `json:"annual_max_savings"`
}
