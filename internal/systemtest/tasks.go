package systemtest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/stagegate/stagegate/internal/artifact"
	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/endpoint"
	"github.com/stagegate/stagegate/internal/jobrunner"
	"github.com/stagegate/stagegate/internal/platform/objectstore"
	"github.com/stagegate/stagegate/internal/registry"
	"github.com/stagegate/stagegate/internal/workflow"
)

// testColumns is the layout of test.csv: the label then ten features.
const testColumns = 11

var (
	productionContentTypes  = []string{"text/csv"}
	productionInstanceTypes = []string{"ml.t2.large", "ml.c5.large", "ml.c5.xlarge"}
)

// Tasks implements the workflow task handlers against the platform
// collaborators.
type Tasks struct {
	Store           objectstore.Store
	Endpoint        endpoint.Invoker
	Runner          jobrunner.Runner
	Registry        registry.Registry
	Logger          *slog.Logger
	PollInterval    time.Duration
	BaselineTimeout time.Duration

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Register binds every handler to its resource name.
func (t *Tasks) Register(e *workflow.Engine) {
	e.Register(ResourceEvaluateEndpoint, t.EvaluateEndpoint)
	e.Register(ResourceSuggestBaseline, t.SuggestBaseline)
	e.Register(ResourceRegisterModel, t.RegisterModel)
}

func (t *Tasks) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return t.Logger.With("component", "systemtest")
}

func (t *Tasks) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

// EvaluationReport is written next to the model for the registry.
type EvaluationReport struct {
	RegressionMetrics struct {
		MSE struct {
			Value             float64 `json:"value"`
			StandardDeviation float64 `json:"standard_deviation"`
		} `json:"mse"`
	} `json:"regression_metrics"`
}

// EvaluateEndpoint scores every test row against the endpoint and writes the
// evaluation report. The result carries the RMSE under Payload.Result.
func (t *Tasks) EvaluateEndpoint(ctx context.Context, input map[string]any) (any, error) {
	payload, err := payloadOf(input)
	if err != nil {
		return nil, err
	}
	bucket, err := stringParam(payload, "Bucket")
	if err != nil {
		return nil, err
	}
	key, err := stringParam(payload, "Key")
	if err != nil {
		return nil, err
	}
	outputKey, err := stringParam(payload, "Output_Key")
	if err != nil {
		return nil, err
	}
	endpointName, err := stringParam(payload, "Endpoint_Name")
	if err != nil {
		return nil, err
	}

	data, err := objectstore.ReadAll(ctx, t.Store, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("read test data %s/%s: %w", bucket, key, err)
	}
	labels, rows, err := parseTestData(data)
	if err != nil {
		return nil, err
	}

	log := t.logger().With("endpoint", endpointName)
	log.Info("evaluating endpoint", "rows", len(rows))
	predictions := make([]float64, len(rows))
	var elapsed time.Duration
	for i, row := range rows {
		started := t.clock()
		pred, err := t.Endpoint.Invoke(ctx, endpointName, formatRow(normalize(row)))
		if err != nil {
			return nil, fmt.Errorf("invoke row %d: %w", i, err)
		}
		elapsed += t.clock().Sub(started)
		predictions[i] = pred
	}

	m := computeMetrics(labels, predictions)
	var report EvaluationReport
	report.RegressionMetrics.MSE.Value = m.MSE
	report.RegressionMetrics.MSE.StandardDeviation = m.StdDev
	doc, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encode evaluation report: %w", err)
	}
	reportKey := strings.TrimSuffix(outputKey, "/") + "/evaluation.json"
	if err := t.Store.Put(ctx, bucket, reportKey, bytes.NewReader(doc), int64(len(doc)), "application/json"); err != nil {
		return nil, fmt.Errorf("write evaluation report: %w", err)
	}

	avg := elapsed.Seconds() / float64(len(rows))
	log.Info("endpoint evaluated", "rmse", m.RMSE, "avg_response_seconds", avg)
	return map[string]any{
		"Payload": map[string]any{
			"statusCode":      200,
			"Result":          m.RMSE,
			"AvgResponseTime": fmt.Sprintf("%.2f seconds", avg),
		},
	}, nil
}

// SuggestBaseline runs the baseline processing job to completion.
func (t *Tasks) SuggestBaseline(ctx context.Context, input map[string]any) (any, error) {
	jobName, err := stringParam(input, "ProcessingJobName")
	if err != nil {
		return nil, err
	}
	image, err := stringParam(input, "Image")
	if err != nil {
		return nil, err
	}
	inputURI, err := stringParam(input, "InputUri")
	if err != nil {
		return nil, err
	}
	outputURI, err := stringParam(input, "OutputUri")
	if err != nil {
		return nil, err
	}

	spec := BaselineJobSpec(jobName, image, inputURI, outputURI)
	if t.BaselineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.BaselineTimeout)
		defer cancel()
	}
	log := t.logger().With("job_name", jobName)
	runID, err := t.Runner.Submit(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("submit baseline job: %w", err)
	}
	log.Info("baseline job submitted", "run_id", runID)

	run, err := t.waitForJob(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if run.State != domain.JobSucceeded {
		return nil, fmt.Errorf("baseline job %s ended %s: %s: %w", jobName, run.State, run.ErrorDetail, domain.ErrTerminalJobFailure)
	}
	log.Info("baseline job completed")
	return map[string]any{
		"ProcessingJobName":   jobName,
		"ProcessingJobStatus": "Completed",
		"OutputUri":           outputURI,
	}, nil
}

// BaselineJobSpec describes the model-monitor baseline analysis job.
func BaselineJobSpec(jobName, image, inputURI, outputURI string) domain.JobSpec {
	return domain.JobSpec{
		Name:           jobName,
		Kind:           domain.JobKindProcessing,
		Image:          image,
		InputLocation:  inputURI,
		OutputLocation: outputURI,
		Env: map[string]string{
			"dataset_format":             `{"csv": {"header": true, "output_columns_position": "START"}}`,
			"dataset_source":             "/opt/ml/processing/input/baseline_dataset_input",
			"output_path":                "/opt/ml/processing/output",
			"publish_cloudwatch_metrics": "Disabled",
		},
		Resources:         domain.Resources{InstanceCount: 1, VolumeSizeGB: 30},
		MaxRuntimeSeconds: 1800,
	}
}

func (t *Tasks) waitForJob(ctx context.Context, jobName string) (domain.JobRun, error) {
	sleep := t.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	interval := t.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	for {
		run, err := t.Runner.Status(ctx, jobName)
		if err != nil && !errors.Is(err, domain.ErrTransientRunner) {
			return domain.JobRun{}, fmt.Errorf("baseline job status: %w", err)
		}
		if err == nil && !run.State.Active() {
			return run, nil
		}
		if err := sleep(ctx, interval); err != nil {
			return domain.JobRun{}, fmt.Errorf("wait for baseline job %s: %w", jobName, err)
		}
	}
}

// RegisterModel creates an Approved package for the trained model.
func (t *Tasks) RegisterModel(ctx context.Context, input map[string]any) (any, error) {
	payload, err := payloadOf(input)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{}
	for _, k := range []string{"Model_Name", "Group_Name", "Model_Uri", "Image_Uri", "Job_Id", "Evaluation_Uri"} {
		v, err := stringParam(payload, k)
		if err != nil {
			return nil, err
		}
		fields[k] = v
	}
	if _, err := artifact.ParseURI(fields["Model_Uri"]); err != nil {
		return nil, err
	}

	pkg, err := t.Registry.CreatePackage(ctx, domain.Package{
		GroupName:      fields["Group_Name"],
		ApprovalStatus: domain.PackageApproved,
		Description:    ProductionPackageLabel,
		ModelDataURL:   fields["Model_Uri"],
		ImageURI:       fields["Image_Uri"],
		EvaluationURI:  fields["Evaluation_Uri"],
		ProjectID:      fields["Job_Id"],
		ContentTypes:   productionContentTypes,
		InstanceTypes:  productionInstanceTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", fields["Model_Name"], err)
	}
	t.logger().Info("model registered", "package_arn", pkg.ARN, "version", pkg.Version)
	return map[string]any{
		"Payload": map[string]any{
			"statusCode": 200,
			"PackageArn": pkg.ARN,
		},
	}, nil
}

func payloadOf(input map[string]any) (map[string]any, error) {
	payload, ok := input["Payload"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("task input has no Payload: %w", domain.ErrConfiguration)
	}
	return payload, nil
}

func stringParam(m map[string]any, key string) (string, error) {
	v, ok := m[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("task input has no %s: %w", key, domain.ErrConfiguration)
	}
	return v, nil
}

func parseTestData(data []byte) ([]float64, [][]float64, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = testColumns
	r.TrimLeadingSpace = true
	var labels []float64
	var rows [][]float64
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("test data: %v: %w", err, domain.ErrConfiguration)
		}
		values := make([]float64, len(rec))
		for i, field := range rec {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("test data line %d column %d: %v: %w", line, i+1, err, domain.ErrConfiguration)
			}
			values[i] = v
		}
		labels = append(labels, values[0])
		rows = append(rows, values[1:])
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("test data is empty: %w", domain.ErrConfiguration)
	}
	return labels, rows, nil
}

// normalize scales row to unit L2 norm. A zero row is returned unchanged.
func normalize(row []float64) []float64 {
	var sum float64
	for _, v := range row {
		sum += v * v
	}
	out := make([]float64, len(row))
	copy(out, row)
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i := range out {
		out[i] /= norm
	}
	return out
}

func formatRow(row []float64) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

type evaluation struct {
	MSE    float64
	RMSE   float64
	StdDev float64
}

// computeMetrics returns the mean squared error, its root and the population
// standard deviation of the residuals.
func computeMetrics(labels, predictions []float64) evaluation {
	n := float64(len(labels))
	var sq, sum float64
	residuals := make([]float64, len(labels))
	for i := range labels {
		r := labels[i] - predictions[i]
		residuals[i] = r
		sq += r * r
		sum += r
	}
	mean := sum / n
	var variance float64
	for _, r := range residuals {
		variance += (r - mean) * (r - mean)
	}
	mse := sq / n
	return evaluation{MSE: mse, RMSE: math.Sqrt(mse), StdDev: math.Sqrt(variance / n)}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
