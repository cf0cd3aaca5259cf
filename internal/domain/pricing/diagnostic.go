package pricing

// Severity of a non-fatal diagnostic.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// Diagnostic codes attached to successful results.
const (
	CodeServiceComponentsIncomplete = "SERVICE_COMPONENTS_INCOMPLETE"
	CodeInsuranceExpired            = "INSURANCE_EXPIRED"
	CodePaymentCapExceeded          = "PAYMENT_CAP_EXCEEDED"
	CodeNoPrimaryPolicy             = "NO_PRIMARY_POLICY"
)

// Diagnostic records a condition the calculation worked around. It is kept
// on the result for audit.
type Diagnostic struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func Warning(code, msg string) Diagnostic {
	return Diagnostic{Code: code, Severity: SeverityWarning, Message: msg}
}

func Info(code, msg string) Diagnostic {
	return Diagnostic{Code: code, Severity: SeverityInfo, Message: msg}
}
