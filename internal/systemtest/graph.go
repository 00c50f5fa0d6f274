// Package systemtest builds and runs the post-deployment quality workflow:
// score the dev endpoint, compare against the threshold, then suggest a
// monitoring baseline and register the production package in parallel.
package systemtest

import (
	"fmt"

	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/workflow"
)

const (
	ResourceEvaluateEndpoint = "evaluate-endpoint"
	ResourceSuggestBaseline  = "suggest-baseline"
	ResourceRegisterModel    = "register-model"
)

const (
	StateEvaluateEndpoint  = "EvaluateEndpoint"
	StateCheckThreshold    = "EvaluateModelQualityThreshold"
	StateBelowThreshold    = "ModelBelowThreshold"
	StateAboveThreshold    = "ModelAboveThreshold"
	StateFinalize          = "FinalizeProductionModel"
	StateSuggestBaseline   = "SuggestBaseline"
	StateRegisterModel     = "RegisterModel"
	StateWorkflowFailed    = "WorkflowFailed"
	ErrorQualityThreshold  = "ModelAboveQualityThreshold"
	ProductionPackageLabel = "Abalone Production Model"
)

// GraphParams are the per-execution values baked into the definition.
type GraphParams struct {
	ExecutionID   string
	Bucket        string
	ModelName     string
	BaselineImage string
	ModelImage    string
	Threshold     float64
}

func (p GraphParams) uri(key string) string {
	return fmt.Sprintf("s3://%s/%s/%s", p.Bucket, p.ExecutionID, key)
}

// BuildDefinition returns the system-test state graph for one execution.
func BuildDefinition(p GraphParams) workflow.Definition {
	threshold := p.Threshold
	catchFailed := []workflow.CatchRule{{ErrorEquals: []string{workflow.ErrorTaskFailed}, Next: StateWorkflowFailed}}

	return workflow.Definition{
		Comment: "System test for " + p.ModelName + " execution " + p.ExecutionID,
		StartAt: StateEvaluateEndpoint,
		States: map[string]*workflow.State{
			StateEvaluateEndpoint: {
				Type:     workflow.TypeTask,
				Resource: ResourceEvaluateEndpoint,
				Parameters: map[string]any{
					"Payload": map[string]any{
						"Endpoint_Name.$": "$$.Execution.Input.EndpointName",
						"Bucket":          p.Bucket,
						"Key":             p.ExecutionID + "/input/testing/test.csv",
						"Output_Key":      p.ExecutionID + "/evaluation",
					},
				},
				ResultPath: "$." + StateEvaluateEndpoint,
				Next:       StateCheckThreshold,
				Catch:      catchFailed,
			},
			StateCheckThreshold: {
				Type: workflow.TypeChoice,
				Choices: []workflow.ChoiceRule{{
					Variable:        "$." + StateEvaluateEndpoint + ".Payload.Result",
					NumericLessThan: &threshold,
					Next:            StateBelowThreshold,
				}},
				Default: StateAboveThreshold,
			},
			StateAboveThreshold: {
				Type:  workflow.TypeFail,
				Error: ErrorQualityThreshold,
				Cause: fmt.Sprintf("model RMSE is not below %g", p.Threshold),
			},
			StateBelowThreshold: {
				Type: workflow.TypePass,
				Next: StateFinalize,
			},
			StateFinalize: {
				Type: workflow.TypeParallel,
				Branches: []workflow.Definition{
					{
						StartAt: StateSuggestBaseline,
						States: map[string]*workflow.State{
							StateSuggestBaseline: {
								Type:     workflow.TypeTask,
								Resource: ResourceSuggestBaseline,
								Parameters: map[string]any{
									"ProcessingJobName.$": "$$.Execution.Input.BaselineProcessingJobName",
									"Image":               p.BaselineImage,
									"InputUri":            p.uri("input/baseline/baseline.csv"),
									"OutputUri":           p.uri("baseline_report"),
								},
								End: true,
							},
						},
					},
					{
						StartAt: StateRegisterModel,
						States: map[string]*workflow.State{
							StateRegisterModel: {
								Type:     workflow.TypeTask,
								Resource: ResourceRegisterModel,
								Parameters: map[string]any{
									"Payload": map[string]any{
										"Model_Name.$":   "$$.Execution.Input.ModelName",
										"Group_Name.$":   "$$.Execution.Input.ModelGroup",
										"Model_Uri":      p.uri(domain.TrainingJobName(p.ModelName, p.ExecutionID) + "/output/model.tar.gz"),
										"Image_Uri":      p.ModelImage,
										"Job_Id":         p.ExecutionID,
										"Evaluation_Uri": p.uri("evaluation/evaluation.json"),
									},
								},
								End: true,
							},
						},
					},
				},
				ResultPath: "$." + StateFinalize,
				Catch:      catchFailed,
				End:        true,
			},
			StateWorkflowFailed: {
				Type:  workflow.TypeFail,
				Error: StateWorkflowFailed,
				Cause: "WorkflowFailed",
			},
		},
	}
}
