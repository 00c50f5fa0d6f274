package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/systemtest"
)

var stageKinds = []string{string(domain.JobKindETL), string(domain.JobKindTraining)}

func stageKind(value string) (domain.JobKind, error) {
	kind, ok := domain.ParseJobKind(value)
	if !ok || kind == domain.JobKindProcessing {
		return "", fmt.Errorf("kind must be one of %s (got %q)", strings.Join(stageKinds, ", "), value)
	}
	return kind, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLaunchCommand(opts *clientOptions) *cobra.Command {
	var jobID, accountID string
	var artifacts []string
	cmd := &cobra.Command{
		Use:       "launch etl|training",
		Short:     "Send a job event to a stage launcher",
		Args:      cobra.ExactArgs(1),
		ValidArgs: stageKinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := stageKind(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			event := map[string]any{
				"jobId":     jobID,
				"accountId": accountID,
			}
			if opts.RequestID != "" {
				event["requestId"] = opts.RequestID
			}
			if len(artifacts) > 0 {
				parsed, err := parseArtifacts(artifacts)
				if err != nil {
					return err
				}
				event["inputArtifacts"] = parsed
			}
			var out map[string]any
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/launch/"+string(kind), event, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "control plane job id (required)")
	cmd.Flags().StringVar(&accountID, "account-id", "", "account id used to derive default buckets")
	cmd.Flags().StringSliceVar(&artifacts, "artifact", nil, "input artifact as name=bucket/key (repeatable)")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}

func parseArtifacts(values []string) ([]map[string]string, error) {
	out := make([]map[string]string, 0, len(values))
	for _, v := range values {
		name, location, ok := strings.Cut(v, "=")
		bucket, key, ok2 := strings.Cut(location, "/")
		if !ok || !ok2 || name == "" || bucket == "" || key == "" {
			return nil, fmt.Errorf("artifact %q must be name=bucket/key", v)
		}
		out = append(out, map[string]string{"name": name, "bucket": bucket, "key": key})
	}
	return out, nil
}

func newTickCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "tick etl|training",
		Short:     "Run one completion monitor tick",
		Args:      cobra.ExactArgs(1),
		ValidArgs: stageKinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := stageKind(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var report map[string]any
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/monitors/"+string(kind)+":tick", nil, &report); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newStateCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the pipeline stage and action tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := opts.pipeline()
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var state domain.PipelineState
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/pipelines/"+escape(pipeline)+"/state", nil, &state); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, stage := range state.Stages {
				status := "-"
				if stage.LatestExecution != nil {
					status = stage.LatestExecution.Status + " " + stage.LatestExecution.PipelineExecutionID
				}
				fmt.Fprintf(w, "%s\t%s\n", stage.StageName, status)
				for _, action := range stage.Actions {
					actionStatus := "-"
					if action.LatestExecution != nil {
						actionStatus = string(action.LatestExecution.Status)
					}
					fmt.Fprintf(w, "  %s\t%s\n", action.ActionName, actionStatus)
				}
			}
			return nil
		},
	}
}

func newGateCommand(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Open or decide approval gates",
	}
	cmd.AddCommand(newGateOpenCommand(opts))
	cmd.AddCommand(newGateDecisionCommand(opts, "approve", domain.Approved))
	cmd.AddCommand(newGateDecisionCommand(opts, "reject", domain.Rejected))
	return cmd
}

func actionPath(pipeline, stage, action, verb string) string {
	return "/v1/pipelines/" + escape(pipeline) + "/stages/" + escape(stage) + "/actions/" + escape(action) + ":" + verb
}

func newGateOpenCommand(opts *clientOptions) *cobra.Command {
	var executionID string
	cmd := &cobra.Command{
		Use:   "open <stage> <action>",
		Short: "Start an action execution and mint its token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := opts.pipeline()
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var gate map[string]any
			body := map[string]string{"executionId": executionID}
			if err := c.do(cmd.Context(), http.MethodPost, actionPath(pipeline, args[0], args[1], "open"), body, &gate); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), gate)
		},
	}
	cmd.Flags().StringVar(&executionID, "execution-id", "", "pipeline execution id (required)")
	_ = cmd.MarkFlagRequired("execution-id")
	return cmd
}

func newGateDecisionCommand(opts *clientOptions, use string, status domain.ApprovalStatus) *cobra.Command {
	var token, summary string
	cmd := &cobra.Command{
		Use:   use + " <stage> <action>",
		Short: fmt.Sprintf("Submit %s against an open gate", status),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, err := opts.pipeline()
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			body := map[string]string{
				"token":   token,
				"status":  string(status),
				"summary": summary,
			}
			var gate map[string]any
			if err := c.do(cmd.Context(), http.MethodPost, actionPath(pipeline, args[0], args[1], "approve"), body, &gate); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), gate)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "gate token (required)")
	cmd.Flags().StringVar(&summary, "summary", "", "decision summary")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newSystemTestCommand(opts *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "systemtest",
		Short: "Run or inspect the system-test workflow",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Deploy the workflow for the current execution and start it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var exec domain.WorkflowExecution
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/system-test/executions", nil, &exec); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exec)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show a system-test execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var exec domain.WorkflowExecution
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/system-test/executions/"+escape(args[0]), nil, &exec); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exec)
		},
	})
	cmd.AddCommand(newRenderCommand())
	return cmd
}

func newRenderCommand() *cobra.Command {
	var params systemtest.GraphParams
	var format string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the system-test definition without contacting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if params.Threshold <= 0 {
				return fmt.Errorf("--threshold must be > 0")
			}
			def := systemtest.BuildDefinition(params)
			if err := def.Validate(); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			switch strings.ToLower(format) {
			case "json":
				return printJSON(w, def)
			case "yaml", "yml":
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				if err := enc.Encode(def); err != nil {
					return err
				}
				return enc.Close()
			default:
				return fmt.Errorf("--output must be yaml or json (got %q)", format)
			}
		},
	}
	cmd.Flags().StringVar(&params.ExecutionID, "execution-id", "", "pipeline execution id (required)")
	cmd.Flags().StringVar(&params.Bucket, "bucket", "", "pipeline bucket (required)")
	cmd.Flags().StringVar(&params.ModelName, "model", "", "model name (required)")
	cmd.Flags().StringVar(&params.BaselineImage, "baseline-image", "ghcr.io/stagegate/model-monitor-analyzer:latest", "baseline analyzer image")
	cmd.Flags().StringVar(&params.ModelImage, "model-image", "ghcr.io/stagegate/abalone-model:latest", "model serving image")
	cmd.Flags().Float64Var(&params.Threshold, "threshold", 0, "RMSE the model must stay below")
	cmd.Flags().StringVarP(&format, "output", "o", "yaml", "yaml or json")
	_ = cmd.MarkFlagRequired("execution-id")
	_ = cmd.MarkFlagRequired("bucket")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newTriggersCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "triggers",
		Short: "List recurring trigger rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out struct {
				Triggers []struct {
					Name     string `json:"name"`
					Schedule string `json:"schedule"`
					Enabled  bool   `json:"enabled"`
					Armed    bool   `json:"armed"`
				} `json:"triggers"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/triggers", nil, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, t := range out.Triggers {
				fmt.Fprintf(w, "%s\t%s\tenabled=%t\tarmed=%t\n", t.Name, t.Schedule, t.Enabled, t.Armed)
			}
			return nil
		},
	}
}
