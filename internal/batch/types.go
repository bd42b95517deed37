package batch

// PoolLifecycleState is the lifecycle state reported by the service for a pool.
type PoolLifecycleState string

const (
	PoolActive   PoolLifecycleState = "active"
	PoolDeleting PoolLifecycleState = "deleting"
	PoolUpgrading PoolLifecycleState = "upgrading"
)

// AllocationState tracks convergence of a pool toward its target node count.
type AllocationState string

const (
	AllocationSteady   AllocationState = "steady"
	AllocationResizing AllocationState = "resizing"
	AllocationStopping AllocationState = "stopping"
)

// TaskState is the coarse execution state of a single task.
type TaskState string

const (
	TaskActive    TaskState = "active"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
)

// PoolSpec describes the pool a run wants to exist. PoolID is the
// idempotency key: at most one active pool per id.
type PoolSpec struct {
	PoolID      string
	VMSize      string
	VMCount     int
	OSPublisher string
	OSOffer     string
}

// PoolDescriptor is the service's view of a pool.
type PoolDescriptor struct {
	ID              string             `json:"id"`
	State           PoolLifecycleState `json:"state"`
	AllocationState AllocationState    `json:"allocationState"`
	VMSize          string             `json:"vmSize"`
	DedicatedNodes  int                `json:"dedicatedNodes"`
}

// ImageReference identifies a platform VM image.
type ImageReference struct {
	Publisher string `json:"publisher"`
	Offer     string `json:"offer"`
	SKU       string `json:"sku"`
	Version   string `json:"version,omitempty"`
}

// ImageInfo is one entry from the service's supported-image catalog.
type ImageInfo struct {
	OSType       string         `json:"osType"`
	Verification string         `json:"verificationType"`
	ImageRef     ImageReference `json:"imageReference"`
	NodeAgentSKU string         `json:"nodeAgentSKUId"`
}

const (
	osTypeLinux        = "linux"
	verificationPassed = "verified"
)

// VMConfiguration is what a pool create carries to describe its nodes.
type VMConfiguration struct {
	ImageRef     ImageReference `json:"imageReference"`
	NodeAgentSKU string         `json:"nodeAgentSKUId"`
}

// NodeSummary is the minimal (id, state) projection of a compute node.
type NodeSummary struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// ResourceFile is a remote-fetchable input staged onto a node before its
// task runs. Immutable once attached.
type ResourceFile struct {
	SourceURL string `json:"httpUrl"`
	FilePath  string `json:"filePath"`
}

// TaskSpec is a task submitted as part of a job's batch.
type TaskSpec struct {
	ID          string         `json:"id"`
	CommandLine string         `json:"commandLine"`
	Resources   []ResourceFile `json:"resourceFiles,omitempty"`
}

// TaskSummary is the minimal (id, state) projection used by completion polling.
type TaskSummary struct {
	ID    string    `json:"id"`
	State TaskState `json:"state"`
}

// TaskFailure carries the service's failure info for a task that did not run.
type TaskFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskDetail is the full post-run view of a task, read during result collection.
type TaskDetail struct {
	ID       string       `json:"id"`
	State    TaskState    `json:"state"`
	ExitCode int          `json:"exitCode"`
	Failure  *TaskFailure `json:"failureInfo,omitempty"`
}

// Well-known task output artifacts.
const (
	StdoutFile = "stdout.txt"
	StderrFile = "stderr.txt"
)
