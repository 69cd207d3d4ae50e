/**
 * Safety Validator for the Prescription Worker
 *
 * Advisory checks over generated text and structured output:
 * - forbidden vocabulary (diagnosis, prescribing, treatment advice)
 * - structural completeness of a prescription
 *
 * Violations are returned as data. Inputs are never modified.
 */

package safety

import (
	"fmt"
	"strings"

	"github.com/adverant/nexus/prescription-worker/internal/config"
	"github.com/adverant/nexus/prescription-worker/internal/model"
)

// DefaultForbiddenTerms is used when the configuration carries no list
var DefaultForbiddenTerms = []string{
	"diagnose",
	"diagnosis",
	"cure",
	"treatment plan",
	"recommend",
	"prescribe",
	"you should take",
	"suggest medication",
	"medical advice",
}

const (
	violationNoMedications = "structure: no medications and no explicit no-medications marker"
	violationNoPatient     = "structure: patient info missing"
	violationNilResult     = "structure: prescription missing"
)

// Validator checks text and prescriptions. Safe for concurrent use.
type Validator struct {
	terms []string
}

// NewValidator creates a validator; an empty term list selects the defaults
func NewValidator(cfg config.SafetyConfig) *Validator {
	source := cfg.ForbiddenTerms
	if len(source) == 0 {
		source = DefaultForbiddenTerms
	}

	terms := make([]string, 0, len(source))
	for _, t := range source {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	return &Validator{terms: terms}
}

// Terms returns a copy of the active vocabulary
func (v *Validator) Terms() []string {
	out := make([]string, len(v.terms))
	copy(out, v.terms)
	return out
}

// ValidateText reports every forbidden term contained in text, in vocabulary order
func (v *Validator) ValidateText(text string) model.SafetyReport {
	return report(v.termViolations(text))
}

// ValidateStructure checks the completeness rules of a prescription
func (v *Validator) ValidateStructure(p *model.StructuredPrescription) model.SafetyReport {
	return report(structureViolations(p))
}

// Validate checks the structure and the text the pipeline generated for p.
// Text copied from the document (header, names) is not scanned.
func (v *Validator) Validate(p *model.StructuredPrescription) model.SafetyReport {
	violations := structureViolations(p)
	if p != nil {
		violations = append(violations, v.termViolations(generatedText(p))...)
	}
	return report(violations)
}

func (v *Validator) termViolations(text string) []string {
	lower := strings.ToLower(text)
	var violations []string
	for _, term := range v.terms {
		if strings.Contains(lower, term) {
			violations = append(violations, fmt.Sprintf("contains forbidden term: %s", term))
		}
	}
	return violations
}

func structureViolations(p *model.StructuredPrescription) []string {
	if p == nil {
		return []string{violationNilResult}
	}

	var violations []string
	if len(p.Medications) == 0 && !hasNote(p.Notes, model.NoMedicationsFound) {
		violations = append(violations, violationNoMedications)
	}
	if p.Patient == nil {
		violations = append(violations, violationNoPatient)
	}
	return violations
}

// generatedText joins the notes and instructions the extractor wrote
func generatedText(p *model.StructuredPrescription) string {
	var b strings.Builder
	write := func(s string) {
		b.WriteString(s)
		b.WriteByte('\n')
	}

	for _, n := range p.Notes {
		write(n)
	}
	for _, m := range p.Medications {
		for _, n := range m.Notes {
			write(n)
		}
		for _, in := range m.Instructions {
			write(in)
		}
	}
	return b.String()
}

func hasNote(notes []string, want string) bool {
	for _, n := range notes {
		if n == want {
			return true
		}
	}
	return false
}

func report(violations []string) model.SafetyReport {
	if violations == nil {
		violations = []string{}
	}
	return model.SafetyReport{OK: len(violations) == 0, Violations: violations}
}
