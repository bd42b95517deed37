package batch

import (
	"context"
	"fmt"
	"os"
	"sync"
)

func taskID(i int) string { return fmt.Sprintf("task-%d", i) }

func writeTempFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

// fakeClient is an in-memory RemoteClient with call counters, used across
// the provision/submit/watch/orchestrate tests.
type fakeClient struct {
	mu sync.Mutex

	pools  map[string]PoolDescriptor
	images []ImageInfo
	idle   []NodeSummary

	// allocSeq is consumed one entry per GetPool call; the last entry
	// repeats once exhausted. Defaults to steady.
	allocSeq  []AllocationState
	allocIdx  int

	// taskStates is consumed one snapshot per ListTaskStates call; the
	// last snapshot repeats.
	taskStates [][]TaskSummary
	stateIdx   int

	taskDetails []TaskDetail
	outputs     map[string]map[string]string // taskID -> file -> content

	poolExistsCalls  int
	getPoolCalls     int
	createPoolCalls  int
	createPoolArgs   []createPoolCall
	resizeCalls      int
	resizeArgs       []resizeCall
	deletePoolCalls  int
	listImagesCalls  int
	listIdleCalls    int
	createJobCalls   int
	lastJobPool      string
	deleteJobCalls   int
	createTasksCalls int
	lastTasks        []TaskSpec
	listStatesCalls  int
	listTasksCalls   int
	getOutputCalls   int

	errCreatePool  error
	errResize      error
	errCreateJob   error
	errCreateTasks error
	errDeleteJob   error
	errDeletePool  error
}

type createPoolCall struct {
	poolID  string
	vmSize  string
	cfg     VMConfiguration
	targets int
}

type resizeCall struct {
	poolID      string
	dedicated   int
	lowPriority int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		pools:   map[string]PoolDescriptor{},
		outputs: map[string]map[string]string{},
	}
}

func (f *fakeClient) alloc() AllocationState {
	if len(f.allocSeq) == 0 {
		return AllocationSteady
	}
	s := f.allocSeq[f.allocIdx]
	if f.allocIdx < len(f.allocSeq)-1 {
		f.allocIdx++
	}
	return s
}

func (f *fakeClient) PoolExists(ctx context.Context, poolID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poolExistsCalls++
	_, ok := f.pools[poolID]
	return ok, nil
}

func (f *fakeClient) GetPool(ctx context.Context, poolID string) (PoolDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getPoolCalls++
	desc, ok := f.pools[poolID]
	if !ok {
		return PoolDescriptor{}, &RemoteError{Code: "PoolNotFound", Message: "no pool " + poolID}
	}
	desc.AllocationState = f.alloc()
	return desc, nil
}

func (f *fakeClient) CreatePool(ctx context.Context, poolID, vmSize string, cfg VMConfiguration, targets int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createPoolCalls++
	f.createPoolArgs = append(f.createPoolArgs, createPoolCall{poolID, vmSize, cfg, targets})
	if f.errCreatePool != nil {
		// An already-exists answer means somebody else's create won; their
		// pool is visible afterward.
		if IsAlreadyExists(f.errCreatePool) {
			f.pools[poolID] = PoolDescriptor{ID: poolID, State: PoolActive, VMSize: vmSize, DedicatedNodes: targets}
		}
		return f.errCreatePool
	}
	f.pools[poolID] = PoolDescriptor{ID: poolID, State: PoolActive, VMSize: vmSize, DedicatedNodes: targets}
	return nil
}

func (f *fakeClient) ResizePool(ctx context.Context, poolID string, dedicated, lowPriority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizeCalls++
	f.resizeArgs = append(f.resizeArgs, resizeCall{poolID, dedicated, lowPriority})
	return f.errResize
}

func (f *fakeClient) DeletePool(ctx context.Context, poolID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletePoolCalls++
	if f.errDeletePool != nil {
		return f.errDeletePool
	}
	delete(f.pools, poolID)
	return nil
}

func (f *fakeClient) ListSupportedImages(ctx context.Context) ([]ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listImagesCalls++
	return f.images, nil
}

func (f *fakeClient) ListIdleNodes(ctx context.Context, poolID string) ([]NodeSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listIdleCalls++
	return f.idle, nil
}

func (f *fakeClient) CreateJob(ctx context.Context, jobID, poolID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createJobCalls++
	f.lastJobPool = poolID
	return f.errCreateJob
}

func (f *fakeClient) DeleteJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteJobCalls++
	return f.errDeleteJob
}

func (f *fakeClient) CreateTasks(ctx context.Context, jobID string, tasks []TaskSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createTasksCalls++
	f.lastTasks = tasks
	return f.errCreateTasks
}

func (f *fakeClient) ListTaskStates(ctx context.Context, jobID string) ([]TaskSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listStatesCalls++
	if len(f.taskStates) == 0 {
		return nil, nil
	}
	s := f.taskStates[f.stateIdx]
	if f.stateIdx < len(f.taskStates)-1 {
		f.stateIdx++
	}
	return s, nil
}

func (f *fakeClient) ListTasks(ctx context.Context, jobID string) ([]TaskDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listTasksCalls++
	return f.taskDetails, nil
}

func (f *fakeClient) GetTaskOutput(ctx context.Context, jobID, taskID, fileName string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getOutputCalls++
	files, ok := f.outputs[taskID]
	if !ok {
		return nil, &RemoteError{Code: "TaskNotFound", Message: "no task " + taskID}
	}
	content, ok := files[fileName]
	if !ok {
		return nil, &RemoteError{Code: "FileNotFound", Message: "no file " + fileName}
	}
	return []byte(content), nil
}

// fakeStorage is a StorageService spy.
type fakeStorage struct {
	mu          sync.Mutex
	ensureCalls int
	uploadCalls int
	deleteCalls int
	url         string
	errEnsure   error
	errUpload   error
	errDelete   error
}

func (s *fakeStorage) EnsureContainer(ctx context.Context, name string) (ContainerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCalls++
	if s.errEnsure != nil {
		return ContainerHandle{}, s.errEnsure
	}
	return ContainerHandle{Account: "acct", Name: name}, nil
}

func (s *fakeStorage) UploadFile(ctx context.Context, c ContainerHandle, localPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadCalls++
	if s.errUpload != nil {
		return "", s.errUpload
	}
	if s.url != "" {
		return s.url, nil
	}
	return "https://blob.example/" + c.Name + "/input.txt?sig=abc", nil
}

func (s *fakeStorage) DeleteContainer(ctx context.Context, c ContainerHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	return s.errDelete
}
