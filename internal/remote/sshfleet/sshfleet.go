// Package sshfleet implements the batch RemoteClient over a fixed set of
// pre-existing SSH hosts. Pools and jobs are bookkeeping only; tasks run
// for real over SSH with their stdout, stderr and exit codes captured in
// memory and served back as output artifacts. Meant for development and
// smoke-testing a run without a batch service.
package sshfleet

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"

	"github.com/marz-dev/poolforge/internal/batch"
	gssh "github.com/marz-dev/poolforge/internal/ssh"
)

// The one image this backend advertises. Configure the pool spec with this
// publisher/offer to provision against attached hosts.
const (
	ImagePublisher = "local"
	ImageOffer     = "ssh"
)

// Host is one attached machine treated as a pool node.
type Host struct {
	Name string
	Addr string
	User string
	Port int
}

// commandRunner executes a command on a host. Injectable so tests can run
// the task lifecycle without a live SSH server.
type commandRunner func(ctx context.Context, h Host, command string) (gssh.CommandResult, error)

type taskRec struct {
	spec    batch.TaskSpec
	host    Host
	state   batch.TaskState
	exit    int
	stdout  []byte
	stderr  []byte
	failure *batch.TaskFailure
}

type jobRec struct {
	poolID string
	order  []string
	tasks  map[string]*taskRec
}

type Client struct {
	hosts      []Host
	keyPath    string
	knownHosts string
	run        commandRunner
	log        zerolog.Logger

	mu    sync.Mutex
	wg    sync.WaitGroup
	pools map[string]batch.PoolDescriptor
	jobs  map[string]*jobRec
}

func New(hosts []Host, keyPath, knownHosts string, log zerolog.Logger) *Client {
	c := &Client{
		hosts:      hosts,
		keyPath:    keyPath,
		knownHosts: knownHosts,
		log:        log,
		pools:      map[string]batch.PoolDescriptor{},
		jobs:       map[string]*jobRec{},
	}
	c.run = c.sshRun
	return c
}

func (c *Client) dial(ctx context.Context, h Host) (*xssh.Client, error) {
	signer, err := gssh.LoadPrivateKeySigner(c.keyPath)
	if err != nil {
		return nil, fmt.Errorf("load ssh key: %w", err)
	}
	kh, err := gssh.LoadKnownHostsCallback(c.knownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	port := h.Port
	if port == 0 {
		port = 22
	}
	return gssh.Dial(ctx, &gssh.Client{
		Addr:       fmt.Sprintf("%s:%d", h.Addr, port),
		User:       h.User,
		Signer:     signer,
		KnownHosts: kh,
	})
}

func (c *Client) sshRun(ctx context.Context, h Host, command string) (gssh.CommandResult, error) {
	cli, err := c.dial(ctx, h)
	if err != nil {
		return gssh.CommandResult{}, fmt.Errorf("ssh dial %s: %w", h.Addr, err)
	}
	defer cli.Close()
	return gssh.Run(ctx, cli, command)
}

func (c *Client) PoolExists(ctx context.Context, poolID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pools[poolID]
	return ok, nil
}

func (c *Client) GetPool(ctx context.Context, poolID string) (batch.PoolDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	desc, ok := c.pools[poolID]
	if !ok {
		return batch.PoolDescriptor{}, &batch.RemoteError{Code: "PoolNotFound", Message: "pool " + poolID + " does not exist"}
	}
	return desc, nil
}

func (c *Client) CreatePool(ctx context.Context, poolID, vmSize string, cfg batch.VMConfiguration, targetNodes int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pools[poolID]; ok {
		return &batch.RemoteError{Code: "PoolExists", Message: "pool " + poolID + " already exists"}
	}
	// Attached hosts are already allocated, so the pool is steady at birth.
	c.pools[poolID] = batch.PoolDescriptor{
		ID:              poolID,
		State:           batch.PoolActive,
		AllocationState: batch.AllocationSteady,
		VMSize:          vmSize,
		DedicatedNodes:  len(c.hosts),
	}
	return nil
}

func (c *Client) ResizePool(ctx context.Context, poolID string, dedicated, lowPriority int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pools[poolID]; !ok {
		return &batch.RemoteError{Code: "PoolNotFound", Message: "pool " + poolID + " does not exist"}
	}
	// The host set is fixed; a resize request is accepted and ignored.
	c.log.Debug().Str("pool", poolID).Int("requested", dedicated).
		Int("attached", len(c.hosts)).Msg("resize is a no-op for attached hosts")
	return nil
}

func (c *Client) DeletePool(ctx context.Context, poolID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pools[poolID]; !ok {
		return &batch.RemoteError{Code: "PoolNotFound", Message: "pool " + poolID + " does not exist"}
	}
	delete(c.pools, poolID)
	return nil
}

func (c *Client) ListSupportedImages(ctx context.Context) ([]batch.ImageInfo, error) {
	return []batch.ImageInfo{{
		OSType:       "linux",
		Verification: "verified",
		ImageRef:     batch.ImageReference{Publisher: ImagePublisher, Offer: ImageOffer, SKU: "attached"},
		NodeAgentSKU: "local.ssh",
	}}, nil
}

func (c *Client) ListIdleNodes(ctx context.Context, poolID string) ([]batch.NodeSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pools[poolID]; !ok {
		return nil, &batch.RemoteError{Code: "PoolNotFound", Message: "pool " + poolID + " does not exist"}
	}
	nodes := make([]batch.NodeSummary, 0, len(c.hosts))
	for _, h := range c.hosts {
		nodes = append(nodes, batch.NodeSummary{ID: h.Name, State: "idle"})
	}
	return nodes, nil
}

func (c *Client) CreateJob(ctx context.Context, jobID, poolID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pools[poolID]; !ok {
		return &batch.RemoteError{Code: "PoolNotFound", Message: "pool " + poolID + " does not exist"}
	}
	if _, ok := c.jobs[jobID]; ok {
		return &batch.RemoteError{Code: "JobExists", Message: "job " + jobID + " already exists"}
	}
	c.jobs[jobID] = &jobRec{poolID: poolID, tasks: map[string]*taskRec{}}
	return nil
}

func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[jobID]; !ok {
		return &batch.RemoteError{Code: "JobNotFound", Message: "job " + jobID + " does not exist"}
	}
	delete(c.jobs, jobID)
	return nil
}

// CreateTasks registers the batch and starts every task asynchronously;
// states move active -> running -> completed as on the real service, so
// the watcher's polling observes the same transitions.
func (c *Client) CreateTasks(ctx context.Context, jobID string, tasks []batch.TaskSpec) error {
	if len(c.hosts) == 0 {
		return &batch.RemoteError{Code: "NoNodesAttached", Message: "sshfleet has no hosts configured"}
	}
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return &batch.RemoteError{Code: "JobNotFound", Message: "job " + jobID + " does not exist"}
	}
	for i, spec := range tasks {
		if _, dup := job.tasks[spec.ID]; dup {
			c.mu.Unlock()
			return &batch.RemoteError{Code: "TaskExists", Message: "task " + spec.ID + " already exists"}
		}
		job.tasks[spec.ID] = &taskRec{spec: spec, host: c.hosts[i%len(c.hosts)], state: batch.TaskActive}
		job.order = append(job.order, spec.ID)
	}
	c.mu.Unlock()

	for i, spec := range tasks {
		host := c.hosts[i%len(c.hosts)]
		c.wg.Add(1)
		go c.runTask(jobID, spec, host)
	}
	return nil
}

func (c *Client) runTask(jobID string, spec batch.TaskSpec, host Host) {
	defer c.wg.Done()

	c.setState(jobID, spec.ID, batch.TaskRunning)
	c.log.Debug().Str("job", jobID).Str("task", spec.ID).Str("host", host.Name).Msg("task started")

	if err := c.stageLocalResources(host, jobID, spec); err != nil {
		c.complete(jobID, spec.ID, gssh.CommandResult{}, &batch.TaskFailure{Code: "StagingError", Message: err.Error()})
		return
	}

	res, err := c.run(context.Background(), host, buildCommand(jobID, spec))
	if err != nil {
		c.complete(jobID, spec.ID, gssh.CommandResult{}, &batch.TaskFailure{Code: "TransportError", Message: err.Error()})
		return
	}
	c.complete(jobID, spec.ID, res, nil)
}

func (c *Client) complete(jobID, taskID string, res gssh.CommandResult, failure *batch.TaskFailure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return // job deleted while the task ran
	}
	rec := job.tasks[taskID]
	rec.state = batch.TaskCompleted
	if failure != nil {
		rec.failure = failure
		return
	}
	rec.exit = res.ExitCode
	rec.stdout = res.Stdout
	rec.stderr = res.Stderr
}

// localResource reports whether a resource names a local file rather than
// a fetchable URL. Local files are pushed over SFTP; URLs are fetched on
// the node with curl.
func localResource(r batch.ResourceFile) bool {
	return !strings.HasPrefix(r.SourceURL, "http://") && !strings.HasPrefix(r.SourceURL, "https://")
}

// stageLocalResources copies local resource files into the task's working
// directory on the node. Lets a run stage inputs without a blob service.
func (c *Client) stageLocalResources(host Host, jobID string, spec batch.TaskSpec) error {
	var cli *xssh.Client
	for _, r := range spec.Resources {
		if !localResource(r) {
			continue
		}
		if cli == nil {
			var err error
			cli, err = c.dial(context.Background(), host)
			if err != nil {
				return fmt.Errorf("ssh dial %s: %w", host.Addr, err)
			}
			defer cli.Close()
		}
		local := strings.TrimPrefix(r.SourceURL, "file://")
		remote := path.Join(taskDir(jobID, spec.ID), r.FilePath)
		if err := gssh.PushFile(cli, local, remote); err != nil {
			return fmt.Errorf("stage %s: %w", local, err)
		}
	}
	return nil
}

func (c *Client) setState(jobID, taskID string, state batch.TaskState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job, ok := c.jobs[jobID]; ok {
		if rec, ok := job.tasks[taskID]; ok {
			rec.state = state
		}
	}
}

// taskDir is the per-task working directory on a node, relative to the
// SSH user's home so SFTP reads resolve the same paths.
func taskDir(jobID, taskID string) string {
	return path.Join(".poolforge", jobID, taskID)
}

// buildCommand runs the task inside its working directory, first fetching
// each URL resource at its remote path the way service nodes do. Local
// resources are already on the node by the time this runs.
func buildCommand(jobID string, spec batch.TaskSpec) string {
	wd := taskDir(jobID, spec.ID)
	var b strings.Builder
	fmt.Fprintf(&b, "mkdir -p %q && cd %q && ", wd, wd)
	for _, r := range spec.Resources {
		if localResource(r) {
			continue
		}
		if dir := path.Dir(r.FilePath); dir != "." && dir != "/" {
			fmt.Fprintf(&b, "mkdir -p %q && ", dir)
		}
		fmt.Fprintf(&b, "curl -fsSL %q -o %q && ", r.SourceURL, r.FilePath)
	}
	b.WriteString(spec.CommandLine)
	return b.String()
}

func (c *Client) ListTaskStates(ctx context.Context, jobID string) ([]batch.TaskSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return nil, &batch.RemoteError{Code: "JobNotFound", Message: "job " + jobID + " does not exist"}
	}
	out := make([]batch.TaskSummary, 0, len(job.order))
	for _, id := range job.order {
		out = append(out, batch.TaskSummary{ID: id, State: job.tasks[id].state})
	}
	return out, nil
}

func (c *Client) ListTasks(ctx context.Context, jobID string) ([]batch.TaskDetail, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[jobID]
	if !ok {
		return nil, &batch.RemoteError{Code: "JobNotFound", Message: "job " + jobID + " does not exist"}
	}
	out := make([]batch.TaskDetail, 0, len(job.order))
	for _, id := range job.order {
		rec := job.tasks[id]
		out = append(out, batch.TaskDetail{ID: id, State: rec.state, ExitCode: rec.exit, Failure: rec.failure})
	}
	return out, nil
}

func (c *Client) GetTaskOutput(ctx context.Context, jobID, taskID, fileName string) ([]byte, error) {
	c.mu.Lock()
	job, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return nil, &batch.RemoteError{Code: "JobNotFound", Message: "job " + jobID + " does not exist"}
	}
	rec, ok := job.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return nil, &batch.RemoteError{Code: "TaskNotFound", Message: "task " + taskID + " does not exist"}
	}
	host := rec.host
	switch filepath.Base(fileName) {
	case batch.StdoutFile:
		out := rec.stdout
		c.mu.Unlock()
		return out, nil
	case batch.StderrFile:
		out := rec.stderr
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	// Anything else is a file the command wrote in its working directory;
	// pull it off the node over SFTP.
	cli, err := c.dial(ctx, host)
	if err != nil {
		return nil, &batch.RemoteError{Code: "NodeUnreachable", Message: err.Error()}
	}
	defer cli.Close()
	data, err := gssh.ReadFile(cli, path.Join(taskDir(jobID, taskID), fileName))
	if err != nil {
		return nil, &batch.RemoteError{Code: "FileNotFound", Message: err.Error()}
	}
	return data, nil
}

// Wait blocks until every started task has finished. Test hook.
func (c *Client) Wait() { c.wg.Wait() }
