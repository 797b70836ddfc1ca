// Package pii provides detection and redaction of personally identifiable
// information in strings and nested argument structures.
package pii

// Type is the closed set of PII classes the detector recognizes.
type Type string

const (
	TypeEmail       Type = "EMAIL"
	TypePhone       Type = "PHONE"
	TypeCreditCard  Type = "CREDIT_CARD"
	TypeSSN         Type = "SSN"
	TypeIBAN        Type = "IBAN"
	TypeIPAddress   Type = "IP_ADDRESS"
	TypePassport    Type = "PASSPORT"
	TypeDateOfBirth Type = "DATE_OF_BIRTH"
	TypeINN         Type = "INN"
	TypeSNILS       Type = "SNILS"
	TypeRUPassport  Type = "RU_PASSPORT"
	TypeRUPhone     Type = "RU_PHONE"
	TypeCustom      Type = "CUSTOM"
)

// Match is a single PII detection inside one field.
type Match struct {
	// Type is the detected PII class.
	Type Type `json:"type"`
	// Field is the dotted path to the field, with bracketed list indices
	// (e.g. "users[0].email"). Empty for plain-string scans.
	Field string `json:"field,omitempty"`
	// Start and End are half-open byte offsets into the field's string form.
	Start int `json:"start"`
	End   int `json:"end"`
	// MaskedValue is the deterministic replacement for the matched span.
	MaskedValue string `json:"masked_value"`
	// Pattern names the custom pattern for TypeCustom matches.
	Pattern string `json:"pattern,omitempty"`
}

// CustomPattern is a user-declared detector compiled with TypeCustom.
type CustomPattern struct {
	// Name identifies the pattern in matches and traces.
	Name string
	// Pattern is the regex source.
	Pattern string
}

// TypeSet collects the distinct PII types of a match list.
func TypeSet(matches []Match) []Type {
	seen := make(map[Type]struct{}, len(matches))
	var out []Type
	for _, m := range matches {
		if _, ok := seen[m.Type]; ok {
			continue
		}
		seen[m.Type] = struct{}{}
		out = append(out, m.Type)
	}
	return out
}
