package services

import (
	"testing"

	"github.com/listenup-audio/backend/internal/domain"
	"github.com/listenup-audio/backend/internal/manifest"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator(testLogger(t), manifest.WithBuiltins())
}

func wantValidationError(t *testing.T, err error, step, field string) {
	t.Helper()
	if err == nil {
		t.Fatalf("want validation error for step %q field %q, got nil", step, field)
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("want *ValidationError, got %T: %v", err, err)
	}
	if verr.Step != step || verr.Field != field {
		t.Fatalf("want error at (%q, %q), got (%q, %q): %s", step, field, verr.Step, verr.Field, verr.Message)
	}
}

func TestValidateNormalizesPipeline(t *testing.T) {
	v := newTestValidator(t)

	job, err := v.Validate(chainRequest("user-1"))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if job.Status != domain.JobPending {
		t.Fatalf("want pending job, got %s", job.Status)
	}
	if len(job.Steps) != 2 || len(job.Transitions) != 1 {
		t.Fatalf("unexpected normalization: %d steps, %d transitions", len(job.Steps), len(job.Transitions))
	}
	for i, s := range job.Steps {
		if s.Order != i {
			t.Fatalf("step %q: want order %d, got %d", s.Name, i, s.Order)
		}
		if s.Status != domain.StepPending {
			t.Fatalf("step %q: want pending, got %s", s.Name, s.Status)
		}
	}
}

func TestValidateRejectsEmptyPipeline(t *testing.T) {
	v := newTestValidator(t)
	_, err := v.Validate(PipelineRequest{UserID: "user-1"})
	wantValidationError(t, err, "", "steps")
}

func TestValidateRejectsUnknownService(t *testing.T) {
	v := newTestValidator(t)
	req := transcodeRequest("user-1")
	req.Steps[0].Service = "nonexistent_service"
	_, err := v.Validate(req)
	wantValidationError(t, err, "transcode", "service")
}

func TestValidateRejectsUnknownProgram(t *testing.T) {
	v := newTestValidator(t)
	req := transcodeRequest("user-1")
	req.Steps[0].CommandSpec.Program = "melt"
	_, err := v.Validate(req)
	wantValidationError(t, err, "transcode", "command_spec.program")
}

func TestValidateRejectsUndeclaredParameter(t *testing.T) {
	v := newTestValidator(t)
	req := transcodeRequest("user-1")
	req.Steps[0].CommandSpec.Flags["vsync"] = float64(2)
	_, err := v.Validate(req)
	wantValidationError(t, err, "transcode", "command_spec.flags.vsync")
}

func TestValidateRejectsOutOfRangeParameter(t *testing.T) {
	v := newTestValidator(t)
	req := transcodeRequest("user-1")
	req.Steps[0].CommandSpec.Flags["ar"] = float64(999)
	_, err := v.Validate(req)
	wantValidationError(t, err, "transcode", "command_spec.flags.ar")
}

func TestValidateRejectsBadEnumValue(t *testing.T) {
	v := newTestValidator(t)
	req := transcodeRequest("user-1")
	req.Steps[0].CommandSpec.Flags["format"] = "aiff"
	_, err := v.Validate(req)
	wantValidationError(t, err, "transcode", "command_spec.flags.format")
}

func TestValidateRejectsDuplicateStepNames(t *testing.T) {
	v := newTestValidator(t)
	req := transcodeRequest("user-1")
	req.Steps = append(req.Steps, req.Steps[0])
	_, err := v.Validate(req)
	wantValidationError(t, err, "transcode", "name")
}

func TestValidateRejectsBackEdge(t *testing.T) {
	v := newTestValidator(t)
	req := chainRequest("user-1")
	req.StepTransitions = append(req.StepTransitions, TransitionRequest{
		FromStepName:         "onsets",
		ToStepName:           "transcode",
		OutputToInputMapping: map[string]string{"onsets": "audio"},
	})
	_, err := v.Validate(req)
	wantValidationError(t, err, "transcode", "step_transitions")
}

func TestValidateRejectsUndeclaredProducerOutput(t *testing.T) {
	v := newTestValidator(t)
	req := chainRequest("user-1")
	req.StepTransitions[0].OutputToInputMapping = map[string]string{"waveform": "audio"}
	_, err := v.Validate(req)
	wantValidationError(t, err, "transcode", "outputs.waveform")
}

func TestValidateRejectsDoubleBoundInput(t *testing.T) {
	v := newTestValidator(t)
	req := chainRequest("user-1")
	// The consumer input already carries a literal; an edge binding it too
	// is ambiguous.
	req.Steps[1].Inputs["audio"] = "s3://uploads/other.wav"
	_, err := v.Validate(req)
	wantValidationError(t, err, "onsets", "inputs.audio")
}

func TestValidateRejectsUnboundEmptyInput(t *testing.T) {
	v := newTestValidator(t)
	req := chainRequest("user-1")
	req.StepTransitions = nil
	_, err := v.Validate(req)
	wantValidationError(t, err, "onsets", "inputs.audio")
}

func TestValidateAllowsFanInOnOneInput(t *testing.T) {
	v := newTestValidator(t)
	req := fanOutRequest("user-1")
	// A second producer feeding the same aggregate input is a legal join.
	req.StepTransitions = append(req.StepTransitions, TransitionRequest{
		FromStepName:         "slice",
		ToStepName:           "aggregate",
		OutputToInputMapping: map[string]string{"slice": "stats"},
	})
	if _, err := v.Validate(req); err != nil {
		t.Fatalf("fan-in must validate, got %v", err)
	}
}

func TestValidateRejectsMissingExpectedOutputs(t *testing.T) {
	v := newTestValidator(t)
	req := transcodeRequest("user-1")
	req.Steps[0].Outputs = nil
	_, err := v.Validate(req)
	wantValidationError(t, err, "transcode", "outputs")
}
