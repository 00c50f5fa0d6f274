package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"

	"github.com/stagegate/stagegate/internal/domain"
)

const (
	labelName      = "app.kubernetes.io/name"
	labelComponent = "app.kubernetes.io/component"
	labelJob       = "stagegate.io/job-name"
	tagAnnotation  = "stagegate.io/tag."
	containerName  = "job"
)

// KubernetesRunner runs each JobSpec as a batch/v1 Job.
type KubernetesRunner struct {
	client    kubernetes.Interface
	namespace string
	cfg       Config
}

func NewKubernetesRunner(client kubernetes.Interface, namespace string, cfg Config) (*KubernetesRunner, error) {
	if client == nil {
		return nil, errors.New("kubernetes client is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("namespace is required")
	}
	return &KubernetesRunner{client: client, namespace: namespace, cfg: cfg}, nil
}

func (r *KubernetesRunner) Submit(ctx context.Context, spec domain.JobSpec) (string, error) {
	job, err := r.buildJob(spec)
	if err != nil {
		return "", err
	}
	created, err := r.client.BatchV1().Jobs(r.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return "", fmt.Errorf("job %s: %w", spec.Name, domain.ErrAlreadyExists)
		}
		if apierrors.IsInvalid(err) || apierrors.IsBadRequest(err) {
			return "", fmt.Errorf("job %s rejected: %v: %w", spec.Name, err, domain.ErrConfiguration)
		}
		return "", fmt.Errorf("create job %s: %v: %w", spec.Name, err, domain.ErrTransientRunner)
	}
	return string(created.UID), nil
}

func (r *KubernetesRunner) Status(ctx context.Context, jobName string) (domain.JobRun, error) {
	job, err := r.client.BatchV1().Jobs(r.namespace).Get(ctx, jobName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return domain.JobRun{}, fmt.Errorf("job %s: %w", jobName, domain.ErrNotFound)
		}
		return domain.JobRun{}, fmt.Errorf("get job %s: %v: %w", jobName, err, domain.ErrTransientRunner)
	}
	state, detail := jobState(job)
	return domain.JobRun{
		JobName:     job.Name,
		RunID:       string(job.UID),
		State:       state,
		ErrorDetail: detail,
	}, nil
}

// jobState maps batch/v1 conditions onto the runner state machine.
func jobState(job *batchv1.Job) (domain.JobState, string) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobFailed:
			if cond.Reason == batchv1.JobReasonDeadlineExceeded {
				return domain.JobTimeout, conditionDetail(cond)
			}
			return domain.JobFailed, conditionDetail(cond)
		case batchv1.JobComplete:
			return domain.JobSucceeded, ""
		case batchv1.JobSuspended:
			return domain.JobStopped, conditionDetail(cond)
		}
	}
	if job.Status.Active > 0 {
		return domain.JobRunning, ""
	}
	return domain.JobStarting, ""
}

func conditionDetail(cond batchv1.JobCondition) string {
	msg := strings.TrimSpace(cond.Message)
	if msg == "" {
		msg = strings.TrimSpace(cond.Reason)
	}
	return msg
}

func (r *KubernetesRunner) buildJob(spec domain.JobSpec) (*batchv1.Job, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("job name is required: %w", domain.ErrConfiguration)
	}
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return nil, fmt.Errorf("job name %q: %s: %w", name, strings.Join(errs, "; "), domain.ErrConfiguration)
	}
	image := strings.TrimSpace(spec.Image)
	if image == "" {
		image = r.cfg.Images[spec.Kind]
	}
	if image == "" {
		return nil, fmt.Errorf("no image for job %s (kind %q): %w", name, spec.Kind, domain.ErrConfiguration)
	}

	container := corev1.Container{
		Name:    containerName,
		Image:   image,
		Command: spec.Command,
		Args:    spec.SortedArguments(),
		Env:     jobEnv(spec),
	}
	if err := applyResources(&container, spec.Resources); err != nil {
		return nil, fmt.Errorf("job %s resources: %v: %w", name, err, domain.ErrConfiguration)
	}

	labels := map[string]string{
		labelName:      "stagegate",
		labelComponent: string(spec.Kind),
		labelJob:       name,
	}
	annotations := make(map[string]string, len(spec.Tags))
	for _, tag := range spec.Tags {
		annotations[tagAnnotation+tag.Key] = tag.Value
	}

	backoff := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   r.namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: r.cfg.ServiceAccount,
					Containers:         []corev1.Container{container},
				},
			},
		},
	}
	if r.cfg.TTLSeconds > 0 {
		ttl := r.cfg.TTLSeconds
		job.Spec.TTLSecondsAfterFinished = &ttl
	}
	if spec.MaxRuntimeSeconds > 0 {
		deadline := spec.MaxRuntimeSeconds
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	if n := spec.Resources.InstanceCount; n > 1 {
		job.Spec.Parallelism = &n
		job.Spec.Completions = &n
	}
	return job, nil
}

func jobEnv(spec domain.JobSpec) []corev1.EnvVar {
	out := []corev1.EnvVar{{Name: "STAGEGATE_JOB_NAME", Value: spec.Name}}
	if spec.ScriptLocation != "" {
		out = append(out, corev1.EnvVar{Name: "STAGEGATE_SCRIPT_LOCATION", Value: spec.ScriptLocation})
	}
	if spec.InputLocation != "" {
		out = append(out, corev1.EnvVar{Name: "STAGEGATE_INPUT_LOCATION", Value: spec.InputLocation})
	}
	if spec.OutputLocation != "" {
		out = append(out, corev1.EnvVar{Name: "STAGEGATE_OUTPUT_LOCATION", Value: spec.OutputLocation})
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		if strings.HasPrefix(k, "STAGEGATE_") || strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}
	return out
}

func applyResources(container *corev1.Container, res domain.Resources) error {
	requests := corev1.ResourceList{}
	limits := corev1.ResourceList{}
	if cpu := strings.TrimSpace(res.CPU); cpu != "" {
		q, err := resource.ParseQuantity(cpu)
		if err != nil {
			return fmt.Errorf("cpu %q: %w", cpu, err)
		}
		requests[corev1.ResourceCPU] = q
	}
	if mem := strings.TrimSpace(res.Memory); mem != "" {
		q, err := resource.ParseQuantity(mem)
		if err != nil {
			return fmt.Errorf("memory %q: %w", mem, err)
		}
		requests[corev1.ResourceMemory] = q
	}
	if res.VolumeSizeGB > 0 {
		requests[corev1.ResourceEphemeralStorage] = *resource.NewQuantity(int64(res.VolumeSizeGB)<<30, resource.BinarySI)
	}
	if res.GPUs > 0 {
		limits["nvidia.com/gpu"] = *resource.NewQuantity(res.GPUs, resource.DecimalSI)
	}
	if len(requests) > 0 {
		container.Resources.Requests = requests
	}
	if len(limits) > 0 {
		container.Resources.Limits = limits
	}
	return nil
}
