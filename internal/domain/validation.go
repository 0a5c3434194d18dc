package domain

import "fmt"

// Severity grades a validation issue. Only error-severity issues make a
// report invalid.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Category names the class of defect a validation issue describes.
type Category string

const (
	CategoryStructure  Category = "structure"
	CategoryNulls      Category = "nulls"
	CategoryOHLCLogic  Category = "ohlc_logic"
	CategoryVolume     Category = "volume"
	CategoryDuplicates Category = "duplicates"
	CategorySorting    Category = "sorting"
	CategoryGaps       Category = "gaps"
)

// ValidationIssue is one defect found in a series snapshot. Issues are
// produced by the validator and never mutated afterwards.
type ValidationIssue struct {
	Severity Severity `json:"severity"`
	Category Category `json:"category"`
	Message  string   `json:"message"`
	Details  string   `json:"details,omitempty"`
}

func (i ValidationIssue) String() string {
	if i.Details == "" {
		return fmt.Sprintf("[%s] %s: %s", i.Category, i.Severity, i.Message)
	}
	return fmt.Sprintf("[%s] %s: %s (%s)", i.Category, i.Severity, i.Message, i.Details)
}

// ValidationReport collects the issues found in one validation pass.
// IsValid is false iff any issue has error severity; warnings and infos
// never block.
type ValidationReport struct {
	IsValid bool              `json:"is_valid"`
	Issues  []ValidationIssue `json:"issues"`
}

// NewValidationReport returns an empty, valid report.
func NewValidationReport() *ValidationReport {
	return &ValidationReport{IsValid: true}
}

// Add appends an issue and downgrades IsValid on error severity.
func (r *ValidationReport) Add(severity Severity, category Category, message, details string) {
	r.Issues = append(r.Issues, ValidationIssue{
		Severity: severity,
		Category: category,
		Message:  message,
		Details:  details,
	})
	if severity == SeverityError {
		r.IsValid = false
	}
}

// ErrorCount returns the number of error-severity issues.
func (r *ValidationReport) ErrorCount() int {
	n := 0
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			n++
		}
	}
	return n
}

// ByCategory returns the issues matching a category, in report order.
func (r *ValidationReport) ByCategory(c Category) []ValidationIssue {
	var out []ValidationIssue
	for _, i := range r.Issues {
		if i.Category == c {
			out = append(out, i)
		}
	}
	return out
}
