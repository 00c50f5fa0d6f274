package launcher

import (
	"fmt"
	"strings"

	"github.com/stagegate/stagegate/internal/domain"
)

// Target carries the per-execution values a rewrite scopes a JobSpec to.
type Target struct {
	ExecutionID    string
	JobID          string
	ModelName      string
	PipelineBucket string
	DataBucket     string
}

func (t Target) uri(parts ...string) string {
	return "s3://" + strings.Join(append([]string{t.PipelineBucket}, parts...), "/")
}

// ScriptKey is the object key the ETL script is copied to.
func ScriptKey(executionID string) string {
	return executionID + "/code/preprocess.py"
}

// RewriteETL scopes an ETL job definition to one execution. Applying it
// twice yields the same spec.
func RewriteETL(spec domain.JobSpec, t Target) domain.JobSpec {
	out := spec.Clone()
	out.Name = domain.ETLJobName(t.ExecutionID)
	out.Kind = domain.JobKindETL
	out.ScriptLocation = t.uri(ScriptKey(t.ExecutionID))
	out.InputLocation = fmt.Sprintf("s3://%s/input/raw", t.DataBucket)
	out.OutputLocation = t.uri(t.ExecutionID, "input")
	if out.Arguments == nil {
		out.Arguments = map[string]string{}
	}
	out.Arguments["--S3_INPUT_BUCKET"] = t.DataBucket
	out.Arguments["--S3_INPUT_KEY_PREFIX"] = "input/raw"
	out.Arguments["--S3_OUTPUT_BUCKET"] = t.PipelineBucket
	out.Arguments["--S3_OUTPUT_KEY_PREFIX"] = t.ExecutionID + "/input"
	out.SetTag("jobid", t.JobID)
	return out
}

// RewriteTraining scopes a training job definition to one execution.
func RewriteTraining(spec domain.JobSpec, t Target) domain.JobSpec {
	out := spec.Clone()
	out.Name = domain.TrainingJobName(t.ModelName, t.ExecutionID)
	out.Kind = domain.JobKindTraining
	out.OutputLocation = t.uri(t.ExecutionID)
	out.InputLocation = t.uri(t.ExecutionID, "input", "training")
	out.SetTag("jobid", t.JobID)
	return out
}
