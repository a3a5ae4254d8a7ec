package harness

// StepTrace records the outcome of one flow step.
type StepTrace struct {
	Step     int    `json:"step"`
	Op       string `json:"op"`
	User     string `json:"user,omitempty"`
	Target   string `json:"target"`
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Inserted int    `json:"inserted,omitempty"`
	Updated  int    `json:"updated,omitempty"`
	Skipped  int    `json:"skipped,omitempty"`
	Received int    `json:"received,omitempty"`
	Sent     int    `json:"sent,omitempty"`
	Cursor   int64  `json:"cursor,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CardState is a card in a final-state snapshot.
type CardState struct {
	UID          string `json:"uid"`
	Front        string `json:"front"`
	Back         string `json:"back"`
	LastModified int64  `json:"last_modified"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion matched.
	Pass bool `json:"pass"`

	// Trace holds one entry per flow step.
	Trace []StepTrace `json:"trace"`

	// Errors contains validation error messages.
	Errors []string `json:"errors,omitempty"`

	// Server holds the final server documents keyed by deck code.
	Server map[string][]CardState `json:"server"`

	// Local holds the final local notes keyed by user, then deck.
	Local map[string]map[string][]CardState `json:"local"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []StepTrace{},
		Errors: []string{},
		Server: make(map[string][]CardState),
		Local:  make(map[string]map[string][]CardState),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
