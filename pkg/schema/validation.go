package schema

import "fmt"

// Issue codes reported by the sequence validation pipeline.
const (
	IssueSchema            = "SCHEMA_VIOLATION"
	IssueNoSteps           = "NO_STEPS"
	IssueDuplicateStepID   = "DUPLICATE_STEP_ID"
	IssueDuplicateOrder    = "DUPLICATE_ORDER"
	IssueDanglingReference = "DANGLING_REFERENCE"
	IssueInvalidConfig     = "INVALID_CONFIG"
	IssueUnknownOperator   = "UNKNOWN_OPERATOR"
	IssueUnreachableStep   = "UNREACHABLE_STEP"
	IssueSelfReference     = "SELF_REFERENCE"
	IssueConditionCycle    = "CONDITION_CYCLE"
)

// ValidationSeverity separates blocking errors from advisory warnings.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue locates one problem in a sequence definition. Path uses
// the "steps[2].config.true_path" form.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues found while validating a sequence.
// Only errors block activation.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's issues. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Has reports whether any error or warning carries code.
func (r *ValidationResult) Has(code string) bool {
	for _, list := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, is := range list {
			if is.Code == code {
				return true
			}
		}
	}
	return false
}

// ToError returns nil for a valid result and otherwise a VALIDATION_ERROR
// whose message names the first error and whose details carry every issue.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%d validation errors, first: %s", n, msg)
	}

	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
