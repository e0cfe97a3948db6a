package normalize

// OrgUnits resolves department labels to organizational unit codes.
// Lookups fold case, accents and whitespace.
type OrgUnits struct {
	codes map[string]string
}

// NewOrgUnits builds a lookup from label → code pairs. Codes are also
// accepted as their own labels.
func NewOrgUnits(labels map[string]string) OrgUnits {
	codes := make(map[string]string, len(labels)*2)
	for label, code := range labels {
		if code == "" {
			continue
		}
		codes[labelKey(label)] = code
		codes[labelKey(code)] = code
	}
	return OrgUnits{codes: codes}
}

// Resolve returns the code for a department label.
func (o OrgUnits) Resolve(label string) (string, bool) {
	if len(o.codes) == 0 {
		return "", false
	}
	code, ok := o.codes[labelKey(label)]
	return code, ok
}

// Len reports the number of distinct lookup keys.
func (o OrgUnits) Len() int { return len(o.codes) }

// DefaultOrgUnitLabels is the department table used when configuration
// supplies none.
func DefaultOrgUnitLabels() map[string]string {
	return map[string]string{
		"Aerospace Engineering":                                   "AE",
		"Applied Sciences":                                        "AS",
		"Architecture and the Built Environment":                  "ABE",
		"Civil Engineering and Geosciences":                       "CEG",
		"Electrical Engineering, Mathematics and Computer Science": "EEMCS",
		"Industrial Design Engineering":                           "IDE",
		"Mechanical Engineering":                                  "ME",
		"Technology, Policy and Management":                       "TPM",
	}
}
