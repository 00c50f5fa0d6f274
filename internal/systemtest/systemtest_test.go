package systemtest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stagegate/stagegate/internal/controlplane"
	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/jobrunner"
	"github.com/stagegate/stagegate/internal/platform/objectstore"
	"github.com/stagegate/stagegate/internal/registry"
	"github.com/stagegate/stagegate/internal/workflow"
)

const (
	testPipeline = "abalone-pipeline"
	testBucket   = "mlops-us-east-1-123456789012"
	testExec     = "exec-7"
)

type fakeInvoker struct {
	mu   sync.Mutex
	rows []string
	pred float64
	err  error
}

func (f *fakeInvoker) Invoke(ctx context.Context, endpointName, row string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, endpointName+"|"+row)
	return f.pred, f.err
}

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig(threshold float64) Config {
	return Config{
		WorkflowName:   "abalone-system-test",
		PipelineName:   testPipeline,
		ModelName:      "abalone",
		ModelGroup:     "AbalonePackageGroup",
		Threshold:      threshold,
		PipelineBucket: testBucket,
		BaselineImage:  "analyzer:1",
		ModelImage:     "abalone:1",
		PollInterval:   time.Millisecond,
	}
}

type fixture struct {
	store    *objectstore.MemoryStore
	invoker  *fakeInvoker
	runner   *jobrunner.DryRunRunner
	registry *registry.MemoryStore
	harness  *Harness
	service  *workflow.Service
	control  *controlplane.Memory
	wfStore  *workflow.MemoryStore
}

func newFixture(t *testing.T, threshold, prediction float64) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:    objectstore.NewMemoryStore(),
		invoker:  &fakeInvoker{pred: prediction},
		runner:   jobrunner.NewDryRunRunner(1),
		registry: registry.NewMemoryStore(registry.ARNs{Region: "us-east-1", AccountID: "123456789012"}),
	}
	putObject(t, f.store, testExec+"/input/testing/test.csv", "10,3,4,0,0,0,0,0,0,0,0\n12,0,0,0,0,0,0,0,0,0,0\n")
	if _, err := f.registry.CreatePackageGroup(ctx, domain.PackageGroup{Name: "AbalonePackageGroup"}); err != nil {
		t.Fatalf("CreatePackageGroup() err=%v", err)
	}

	cp := controlplane.NewMemory(controlplane.DefaultLayout())
	ref := controlplane.ActionRef{PipelineName: testPipeline, StageName: "SystemTest", ActionName: "BuildTestingWorkflow"}
	if err := cp.RecordActionExecution(ctx, ref, testExec, domain.ActionInProgress, ""); err != nil {
		t.Fatalf("RecordActionExecution() err=%v", err)
	}

	engine := workflow.NewEngine(nil)
	tasks := &Tasks{Store: f.store, Endpoint: f.invoker, Runner: f.runner, Registry: f.registry, PollInterval: time.Millisecond, sleep: noSleep}
	tasks.Register(engine)
	wfStore := workflow.NewMemoryStore()
	f.service = workflow.NewService(engine, wfStore, nil, nil)
	f.control = cp
	f.wfStore = wfStore
	h, err := NewHarness(testConfig(threshold), cp, &workflow.Deployer{Store: wfStore}, f.service, nil)
	if err != nil {
		t.Fatalf("NewHarness() err=%v", err)
	}
	f.harness = h
	return f
}

func putObject(t *testing.T, store objectstore.Store, key, body string) {
	t.Helper()
	if err := store.Put(context.Background(), testBucket, key, strings.NewReader(body), int64(len(body)), "text/csv"); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
}

func (f *fixture) run(t *testing.T) domain.WorkflowExecution {
	t.Helper()
	ctx := context.Background()
	started, err := f.harness.Start(ctx)
	if err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	f.service.Wait()
	exec, err := f.harness.Get(ctx, started.ID)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	return exec
}

func TestHarness_PromotesModelBelowThreshold(t *testing.T) {
	// residuals 1 and 3: mse 5, rmse ~2.236
	f := newFixture(t, 3, 9)
	exec := f.run(t)
	if exec.Status != domain.WorkflowSucceeded || exec.TerminalState != StateFinalize {
		t.Fatalf("execution=%+v", exec)
	}
	if exec.Name != "abalone-baseline-exec-7" {
		t.Fatalf("Name=%q", exec.Name)
	}

	if len(f.invoker.rows) != 2 || f.invoker.rows[0] != "abalone-dev-endpoint|0.6,0.8,0,0,0,0,0,0,0,0" {
		t.Fatalf("rows=%v", f.invoker.rows)
	}

	doc, err := objectstore.ReadAll(context.Background(), f.store, testBucket, testExec+"/evaluation/evaluation.json")
	if err != nil {
		t.Fatalf("ReadAll() err=%v", err)
	}
	var report EvaluationReport
	if err := json.Unmarshal(doc, &report); err != nil {
		t.Fatalf("Unmarshal() err=%v", err)
	}
	if report.RegressionMetrics.MSE.Value != 5 || report.RegressionMetrics.MSE.StandardDeviation != 1 {
		t.Fatalf("report=%+v", report)
	}

	pkgs, err := f.registry.ListApprovedPackages(context.Background(), "AbalonePackageGroup", 0)
	if err != nil {
		t.Fatalf("ListApprovedPackages() err=%v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("packages=%+v", pkgs)
	}
	pkg := pkgs[0]
	if pkg.ModelDataURL != "s3://"+testBucket+"/exec-7/mlops-abalone-exec-7/output/model.tar.gz" ||
		pkg.EvaluationURI != "s3://"+testBucket+"/exec-7/evaluation/evaluation.json" ||
		pkg.ProjectID != testExec || pkg.ImageURI != "abalone:1" {
		t.Fatalf("package=%+v", pkg)
	}

	spec, ok := f.runner.Submitted("abalone-baseline-exec-7")
	if !ok {
		t.Fatal("baseline job not submitted")
	}
	if spec.Image != "analyzer:1" || spec.Env["publish_cloudwatch_metrics"] != "Disabled" ||
		spec.InputLocation != "s3://"+testBucket+"/exec-7/input/baseline/baseline.csv" ||
		spec.OutputLocation != "s3://"+testBucket+"/exec-7/baseline_report" {
		t.Fatalf("baseline spec=%+v", spec)
	}
}

func TestHarness_RejectsModelAboveThreshold(t *testing.T) {
	f := newFixture(t, 2, 9)
	exec := f.run(t)
	if exec.Status != domain.WorkflowFailed || exec.TerminalState != StateAboveThreshold || exec.Error != ErrorQualityThreshold {
		t.Fatalf("execution=%+v", exec)
	}
	if _, ok := f.runner.Submitted("abalone-baseline-exec-7"); ok {
		t.Fatal("baseline job submitted for a rejected model")
	}
}

func TestHarness_ParallelFailureRoutesToWorkflowFailed(t *testing.T) {
	f := newFixture(t, 3, 9)
	if err := f.registry.DeletePackageGroup(context.Background(), "AbalonePackageGroup"); err != nil {
		t.Fatalf("DeletePackageGroup() err=%v", err)
	}
	exec := f.run(t)
	if exec.Status != domain.WorkflowFailed || exec.TerminalState != StateWorkflowFailed || exec.Cause != "WorkflowFailed" {
		t.Fatalf("execution=%+v", exec)
	}
	// The baseline branch still runs to completion.
	if _, ok := f.runner.Submitted("abalone-baseline-exec-7"); !ok {
		t.Fatal("baseline job not submitted")
	}
	run, err := f.runner.Status(context.Background(), "abalone-baseline-exec-7")
	if err != nil || run.State != domain.JobSucceeded {
		t.Fatalf("baseline run=%+v err=%v", run, err)
	}
	if pkgs, _ := f.registry.ListApprovedPackages(context.Background(), "AbalonePackageGroup", 0); len(pkgs) != 0 {
		t.Fatalf("packages=%+v", pkgs)
	}
}

func TestHarness_EndpointFailureRoutesToWorkflowFailed(t *testing.T) {
	f := newFixture(t, 3, 9)
	f.invoker.err = errors.New("endpoint unavailable")
	exec := f.run(t)
	if exec.TerminalState != StateWorkflowFailed {
		t.Fatalf("execution=%+v", exec)
	}
}

func TestHarness_DuplicateStartRejected(t *testing.T) {
	f := newFixture(t, 3, 9)
	f.run(t)
	if _, err := f.harness.Start(context.Background()); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("Start() duplicate err=%v", err)
	}

	// A duplicate is rejected before the definition is redeployed, so the
	// settle delay never runs.
	h, err := NewHarness(testConfig(3), f.control, &workflow.Deployer{Store: f.wfStore, Settle: time.Hour}, f.service, nil)
	if err != nil {
		t.Fatalf("NewHarness() err=%v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := h.Start(ctx); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("Start() duplicate err=%v", err)
	}
	if _, revision, err := f.wfStore.GetDefinition(context.Background(), "abalone-system-test"); err != nil || revision != 1 {
		t.Fatalf("GetDefinition() revision=%d err=%v", revision, err)
	}
}

func TestBuildDefinition_ThresholdBoundary(t *testing.T) {
	const threshold = 4.0
	def := BuildDefinition(GraphParams{ExecutionID: testExec, Bucket: testBucket, ModelName: "abalone", BaselineImage: "a", ModelImage: "m", Threshold: threshold})
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	cases := []struct {
		rmse float64
		want string
	}{
		{rmse: 0.99 * threshold, want: StateFinalize},
		{rmse: threshold, want: StateAboveThreshold},
	}
	for _, tc := range cases {
		e := workflow.NewEngine(nil)
		e.Register(ResourceEvaluateEndpoint, func(ctx context.Context, in map[string]any) (any, error) {
			return map[string]any{"Payload": map[string]any{"Result": tc.rmse}}, nil
		})
		e.Register(ResourceSuggestBaseline, func(ctx context.Context, in map[string]any) (any, error) { return "ok", nil })
		e.Register(ResourceRegisterModel, func(ctx context.Context, in map[string]any) (any, error) { return "ok", nil })
		res := e.Execute(context.Background(), def, Input{ModelName: "abalone", ModelGroup: "G", EndpointName: "e", BaselineProcessingJobName: "b"}.Map())
		if res.TerminalState != tc.want {
			t.Fatalf("rmse=%v terminal=%s want %s", tc.rmse, res.TerminalState, tc.want)
		}
	}
}

func TestComputeMetrics(t *testing.T) {
	m := computeMetrics([]float64{10, 12}, []float64{9, 9})
	if m.MSE != 5 || math.Abs(m.RMSE-math.Sqrt(5)) > 1e-12 || m.StdDev != 1 {
		t.Fatalf("computeMetrics()=%+v", m)
	}
}

func TestParseTestData_Errors(t *testing.T) {
	cases := []string{
		"",
		"1,2,3\n",
		"a,0,0,0,0,0,0,0,0,0,0\n",
	}
	for _, data := range cases {
		if _, _, err := parseTestData([]byte(data)); !errors.Is(err, domain.ErrConfiguration) {
			t.Fatalf("parseTestData(%q) err=%v", data, err)
		}
	}
}

func TestInputValidate(t *testing.T) {
	in := Input{ModelName: "abalone", ModelGroup: "G", EndpointName: "e"}
	if err := in.Validate(); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestSuggestBaseline_FailedJob(t *testing.T) {
	runner := &failingRunner{}
	tasks := &Tasks{Runner: runner, sleep: noSleep}
	_, err := tasks.SuggestBaseline(context.Background(), map[string]any{
		"ProcessingJobName": "abalone-baseline-x",
		"Image":             "a",
		"InputUri":          "s3://b/in",
		"OutputUri":         "s3://b/out",
	})
	if !errors.Is(err, domain.ErrTerminalJobFailure) {
		t.Fatalf("SuggestBaseline() err=%v", err)
	}
}

type failingRunner struct{ polls int }

func (r *failingRunner) Submit(ctx context.Context, spec domain.JobSpec) (string, error) {
	return "run-1", nil
}

func (r *failingRunner) Status(ctx context.Context, jobName string) (domain.JobRun, error) {
	r.polls++
	if r.polls < 2 {
		return domain.JobRun{JobName: jobName, State: domain.JobRunning}, nil
	}
	return domain.JobRun{JobName: jobName, State: domain.JobFailed, ErrorDetail: "analyzer crashed"}, nil
}
