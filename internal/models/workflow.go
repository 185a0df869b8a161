package models

// ErrorCode is a machine readable failure category carried by a WorkflowResult.
type ErrorCode string

const (
	ErrorCodeAgentNotFound          ErrorCode = "AGENT_NOT_FOUND"
	ErrorCodeSupervisorNotAvailable ErrorCode = "SUPERVISOR_NOT_AVAILABLE"
	ErrorCodeTherapistNotAvailable  ErrorCode = "THERAPIST_NOT_AVAILABLE"
	ErrorCodeStagePromptNotFound    ErrorCode = "STAGE_PROMPT_NOT_FOUND"
	ErrorCodeSystemPromptNotFound   ErrorCode = "SYSTEM_PROMPT_NOT_FOUND"
	ErrorCodeSupervisorError        ErrorCode = "SUPERVISOR_ERROR"
	ErrorCodeTherapistError         ErrorCode = "THERAPIST_ERROR"
	ErrorCodeInvalidState           ErrorCode = "INVALID_STATE"
	ErrorCodeWorkflowError          ErrorCode = "WORKFLOW_ERROR"
	ErrorCodeStreamIncomplete       ErrorCode = "STREAM_INCOMPLETE"
	ErrorCodeSessionFinalizeFailed  ErrorCode = "SESSION_FINALIZE_FAILED"
	ErrorCodeCrisisHandlingFailed   ErrorCode = "CRISIS_HANDLING_FAILED"
)

// Keys used in WorkflowResult.Data.
const (
	DataKeySupervisorDecision = "supervisor_decision"
	DataKeyTherapistResponse  = "therapist_response"
	DataKeyStageChanged       = "stage_changed"
	DataKeyCurrentStage       = "current_stage"
	DataKeyNewStage           = "new_stage"
	DataKeyCrisisMode         = "crisis_mode"
	DataKeyStreaming          = "streaming"
	DataKeyPromptID           = "prompt_id"
	DataKeyValidation         = "validation"
	DataKeySafetyCheck        = "safety_check"
	DataKeyResponseTimeMS     = "response_time_ms"
	DataKeyUserMessage        = "user_message"
	DataKeyDisplayError       = "display_error"
)

// WorkflowResult is the uniform envelope returned by every orchestration step.
type WorkflowResult struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode ErrorCode      `json:"error_code,omitempty"`
}

// SuccessResult creates a successful workflow result.
func SuccessResult(message string, data map[string]any) WorkflowResult {
	return WorkflowResult{Success: true, Message: message, Data: data}
}

// FailureResult creates a failed workflow result.
func FailureResult(message, errText string, code ErrorCode) WorkflowResult {
	return WorkflowResult{Success: false, Message: message, Error: errText, ErrorCode: code}
}

// SupervisorDecision returns the decision stored in the result data, if any.
func (r WorkflowResult) SupervisorDecision() (SupervisorDecision, bool) {
	if r.Data == nil {
		return SupervisorDecision{}, false
	}
	switch d := r.Data[DataKeySupervisorDecision].(type) {
	case SupervisorDecision:
		return d, true
	case *SupervisorDecision:
		if d != nil {
			return *d, true
		}
	}
	return SupervisorDecision{}, false
}

// TherapistResponse returns the reply text stored in the result data.
func (r WorkflowResult) TherapistResponse() string {
	if r.Data == nil {
		return ""
	}
	s, _ := r.Data[DataKeyTherapistResponse].(string)
	return s
}

// StageChanged reports the stage_changed flag stored in the result data.
func (r WorkflowResult) StageChanged() bool {
	if r.Data == nil {
		return false
	}
	b, _ := r.Data[DataKeyStageChanged].(bool)
	return b
}

// CurrentStage returns the stage id stored in the result data.
func (r WorkflowResult) CurrentStage() string {
	if r.Data == nil {
		return ""
	}
	s, _ := r.Data[DataKeyCurrentStage].(string)
	return s
}

// IsCrisis reports whether the result was produced by the crisis protocol.
func (r WorkflowResult) IsCrisis() bool {
	if r.Data == nil {
		return false
	}
	b, _ := r.Data[DataKeyCrisisMode].(bool)
	return b
}
