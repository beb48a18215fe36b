package workflows

import (
	"context"

	"go.uber.org/zap"

	"github.com/tendant/snap-ask/internal/metrics"
)

// JobAsk is the job name the ask workflow is registered under
const JobAsk = "ask"

// Stage names a step of request handling. Stages are also used as metric
// and log labels
type Stage string

const (
	StageReceivingUpload Stage = "receiving_upload"
	StageValidating      Stage = "validating"
	StagePreprocessing   Stage = "preprocessing"
	StageExtracting      Stage = "extracting"
	StageSanitizing      Stage = "sanitizing"
	StageComposing       Stage = "composing"
	StageGenerating      Stage = "generating"
	StageResponding      Stage = "responding"
	StageCleanup         Stage = "cleanup"
)

// AskRequest identifies a stored upload and the user's optional question
type AskRequest struct {
	UploadKey string
	Question  string
}

// WorkflowContext contains context for workflow execution
type WorkflowContext struct {
	Ctx     context.Context
	Request AskRequest
	RunID   string
	Log     *zap.Logger
}

func (wctx *WorkflowContext) logger() *zap.Logger {
	if wctx.Log == nil {
		return zap.NewNop()
	}
	return wctx.Log
}

// WorkflowResult contains the result of workflow execution. Stage is the
// last stage entered, which on failure is the one that failed
type WorkflowResult struct {
	Success bool
	Stage   Stage
	Error   error

	ExtractedText string
	Confidence    float64
	HasConfidence bool
	Prompt        string
	Answer        string
	Refused       bool
}

// Workflow defines the interface for processing workflows
type Workflow interface {
	// Execute runs the workflow
	Execute(wctx *WorkflowContext) (*WorkflowResult, error)

	// Name returns the workflow name
	Name() string
}

// WorkflowRunner dispatches requests to registered workflows
type WorkflowRunner struct {
	workflows map[string]Workflow
	metrics   *metrics.Metrics
}

// NewWorkflowRunner creates a runner. m may be nil
func NewWorkflowRunner(m *metrics.Metrics) *WorkflowRunner {
	return &WorkflowRunner{
		workflows: make(map[string]Workflow),
		metrics:   m,
	}
}

// Register registers a workflow
func (r *WorkflowRunner) Register(job string, workflow Workflow) {
	r.workflows[job] = workflow
}

// Run executes the workflow registered for job
func (r *WorkflowRunner) Run(job string, wctx *WorkflowContext) (*WorkflowResult, error) {
	workflow, ok := r.workflows[job]
	if !ok {
		return &WorkflowResult{
			Success: false,
			Stage:   StageValidating,
			Error:   ErrWorkflowNotFound,
		}, ErrWorkflowNotFound
	}

	defer r.metrics.Track()()
	return workflow.Execute(wctx)
}
