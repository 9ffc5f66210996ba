package domain

// StepTransition routes named outputs of a producer step to named inputs of
// a consumer step. When From completes, each entry in Mapping assigns
// From's produced output (key) to To's input placeholder (value).
type StepTransition struct {
	From    string            `json:"from_step_name"`
	To      string            `json:"to_step_name"`
	Mapping map[string]string `json:"output_to_input_mapping"`
}

// ApplyMapping maps a producer's outputs through the transition, returning
// consumer-input bindings. Unknown producer outputs are skipped; the
// validator guarantees they exist for well-formed jobs.
func (t StepTransition) ApplyMapping(producerOutputs map[string]string) map[string]string {
	mapped := map[string]string{}
	for outName, inName := range t.Mapping {
		if v, ok := producerOutputs[outName]; ok {
			mapped[inName] = v
		}
	}
	return mapped
}
