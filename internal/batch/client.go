package batch

import "context"

// RemoteClient abstracts the remote batch service. The core never talks to
// the network itself; backends under internal/remote implement this.
type RemoteClient interface {
	PoolExists(ctx context.Context, poolID string) (bool, error)
	GetPool(ctx context.Context, poolID string) (PoolDescriptor, error)
	CreatePool(ctx context.Context, poolID, vmSize string, cfg VMConfiguration, targetNodes int) error
	ResizePool(ctx context.Context, poolID string, dedicated, lowPriority int) error
	DeletePool(ctx context.Context, poolID string) error
	ListSupportedImages(ctx context.Context) ([]ImageInfo, error)

	// ListIdleNodes returns nodes filtered to state=idle, projected to (id, state).
	ListIdleNodes(ctx context.Context, poolID string) ([]NodeSummary, error)

	CreateJob(ctx context.Context, jobID, poolID string) error
	DeleteJob(ctx context.Context, jobID string) error

	// CreateTasks adds the full task batch to a job.
	CreateTasks(ctx context.Context, jobID string, tasks []TaskSpec) error
	// ListTaskStates returns the minimal (id, state) projection of all tasks.
	ListTaskStates(ctx context.Context, jobID string) ([]TaskSummary, error)
	// ListTasks returns full task details including execution info.
	ListTasks(ctx context.Context, jobID string) ([]TaskDetail, error)
	// GetTaskOutput reads a named output artifact of a finished task.
	GetTaskOutput(ctx context.Context, jobID, taskID, fileName string) ([]byte, error)
}

// ContainerHandle names a storage container owned by a run.
type ContainerHandle struct {
	Account string
	Name    string
}

// StorageService is the blob collaborator used to stage resource files.
type StorageService interface {
	// EnsureContainer creates the container if missing; an already-exists
	// condition is success.
	EnsureContainer(ctx context.Context, name string) (ContainerHandle, error)
	// UploadFile uploads a local file and returns a signed read URL.
	UploadFile(ctx context.Context, c ContainerHandle, localPath string) (string, error)
	DeleteContainer(ctx context.Context, c ContainerHandle) error
}
