package domain

import (
	"sort"
	"strings"
)

type JobState string

const (
	JobStarting  JobState = "STARTING"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobStopped   JobState = "STOPPED"
	JobTimeout   JobState = "TIMEOUT"
)

// Active reports whether the job has not yet reached a terminal state.
func (s JobState) Active() bool {
	return s == JobStarting || s == JobRunning
}

// JobKind selects the runner profile for a job.
type JobKind string

const (
	JobKindETL        JobKind = "etl"
	JobKindTraining   JobKind = "training"
	JobKindProcessing JobKind = "processing"
)

func ParseJobKind(value string) (JobKind, bool) {
	switch JobKind(strings.ToLower(strings.TrimSpace(value))) {
	case JobKindETL:
		return JobKindETL, true
	case JobKindTraining:
		return JobKindTraining, true
	case JobKindProcessing:
		return JobKindProcessing, true
	default:
		return "", false
	}
}

// JobSpec is the declarative description of one unit of asynchronous work.
type JobSpec struct {
	Name              string            `json:"Name" yaml:"name"`
	Kind              JobKind           `json:"Kind,omitempty" yaml:"kind,omitempty"`
	Image             string            `json:"Image,omitempty" yaml:"image,omitempty"`
	Command           []string          `json:"Command,omitempty" yaml:"command,omitempty"`
	ScriptLocation    string            `json:"ScriptLocation,omitempty" yaml:"scriptLocation,omitempty"`
	Arguments         map[string]string `json:"Arguments,omitempty" yaml:"arguments,omitempty"`
	InputLocation     string            `json:"InputLocation,omitempty" yaml:"inputLocation,omitempty"`
	OutputLocation    string            `json:"OutputLocation,omitempty" yaml:"outputLocation,omitempty"`
	Env               map[string]string `json:"Env,omitempty" yaml:"env,omitempty"`
	Resources         Resources         `json:"Resources,omitempty" yaml:"resources,omitempty"`
	MaxRuntimeSeconds int64             `json:"MaxRuntimeSeconds,omitempty" yaml:"maxRuntimeSeconds,omitempty"`
	Tags              []Tag             `json:"Tags,omitempty" yaml:"tags,omitempty"`
}

type Resources struct {
	CPU           string `json:"CPU,omitempty" yaml:"cpu,omitempty"`
	Memory        string `json:"Memory,omitempty" yaml:"memory,omitempty"`
	GPUs          int64  `json:"GPUs,omitempty" yaml:"gpus,omitempty"`
	InstanceCount int32  `json:"InstanceCount,omitempty" yaml:"instanceCount,omitempty"`
	VolumeSizeGB  int32  `json:"VolumeSizeGB,omitempty" yaml:"volumeSizeGB,omitempty"`
}

type Tag struct {
	Key   string `json:"Key" yaml:"key"`
	Value string `json:"Value" yaml:"value"`
}

// SetTag replaces the value of key or appends it.
func (s *JobSpec) SetTag(key, value string) {
	for i := range s.Tags {
		if s.Tags[i].Key == key {
			s.Tags[i].Value = value
			return
		}
	}
	s.Tags = append(s.Tags, Tag{Key: key, Value: value})
}

func (s JobSpec) Tag(key string) (string, bool) {
	for _, tag := range s.Tags {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return "", false
}

// Clone returns a deep copy so rewrites never alias the source document.
func (s JobSpec) Clone() JobSpec {
	out := s
	out.Command = append([]string(nil), s.Command...)
	out.Tags = append([]Tag(nil), s.Tags...)
	out.Arguments = cloneMap(s.Arguments)
	out.Env = cloneMap(s.Env)
	return out
}

// SortedArguments returns arguments as a flag list in key order.
func (s JobSpec) SortedArguments() []string {
	keys := make([]string, 0, len(s.Arguments))
	for k := range s.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, s.Arguments[k])
	}
	return out
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// JobRun is the runtime instance of a JobSpec, owned by the job runner.
type JobRun struct {
	JobName     string   `json:"jobName"`
	RunID       string   `json:"runId"`
	State       JobState `json:"state"`
	ErrorDetail string   `json:"errorDetail,omitempty"`
}

// ETLJobName is the runner job name of the ETL stage for one execution.
func ETLJobName(executionID string) string {
	return "abalone-preprocess-" + executionID
}

// TrainingJobName is the runner job name of the training stage for one execution.
func TrainingJobName(modelName, executionID string) string {
	return "mlops-" + strings.ToLower(strings.TrimSpace(modelName)) + "-" + executionID
}
