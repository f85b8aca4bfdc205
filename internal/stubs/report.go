package stubs

// Outcome is what happened to one candidate.
type Outcome int

const (
	OutcomeMismatch   Outcome = iota // shape did not match; silent skip
	OutcomeUnresolved                // matched, selector could not be read
	OutcomePlanned                   // matched and resolved; dry run
	OutcomeRenamed                   // host accepted the rename
	OutcomeRejected                  // host refused the rename
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMismatch:
		return "mismatch"
	case OutcomeUnresolved:
		return "unresolved"
	case OutcomePlanned:
		return "planned"
	case OutcomeRenamed:
		return "renamed"
	case OutcomeRejected:
		return "rejected"
	}
	return "unknown"
}

// MarshalText renders the outcome name in JSON output.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Rename is one rename operation.
type Rename struct {
	Addr         uint64 `json:"addr"`
	OldName      string `json:"old_name"`
	NewName      string `json:"new_name"`
	Selector     string `json:"selector"`
	SelRef       uint64 `json:"selref"`
	SelectorAddr uint64 `json:"selector_addr"`
	Dispatch     uint64 `json:"dispatch"`
	Direct       bool   `json:"direct,omitempty"`
	Template     string `json:"template"`
}

// Candidate is one visited function.
type Candidate struct {
	Addr    uint64  `json:"addr"`
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Rename  *Rename `json:"rename,omitempty"`
}

// Report summarizes a pass.
type Report struct {
	Region      string      `json:"region"`
	RegionFound bool        `json:"region_found"`
	Applied     bool        `json:"applied"`
	Candidates  []Candidate `json:"candidates"`
}

// Count returns how many candidates ended with outcome o.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, c := range r.Candidates {
		if c.Outcome == o {
			n++
		}
	}
	return n
}

// Renames returns the rename operations of matched candidates: the applied
// ones after Run, the planned ones after Plan.
func (r *Report) Renames() []Rename {
	var out []Rename
	for _, c := range r.Candidates {
		if c.Outcome == OutcomeRenamed || c.Outcome == OutcomePlanned {
			out = append(out, *c.Rename)
		}
	}
	return out
}

// Warnings returns candidates that matched but were not renamed.
func (r *Report) Warnings() []Candidate {
	var out []Candidate
	for _, c := range r.Candidates {
		if c.Outcome == OutcomeUnresolved || c.Outcome == OutcomeRejected {
			out = append(out, c)
		}
	}
	return out
}
