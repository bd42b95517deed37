package main

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marz-dev/poolforge/internal/batch"
	"github.com/marz-dev/poolforge/internal/core"
	"github.com/marz-dev/poolforge/internal/remote"
	"github.com/marz-dev/poolforge/internal/remote/rest"
	"github.com/marz-dev/poolforge/internal/remote/sshfleet"
	"github.com/marz-dev/poolforge/internal/storage"
	"github.com/marz-dev/poolforge/internal/telemetry"
)

// Resolve config and the configured RemoteClient backend.
func resolveClient(cmd *cobra.Command) (batch.RemoteClient, core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, core.Config{}, err
	}
	reg := remote.NewRegistry()
	reg.Register("rest", rest.New(cfg.Batch.Endpoint, cfg.Batch.Token))

	hosts := make([]sshfleet.Host, 0, len(cfg.SSHFleet.Hosts))
	for _, h := range cfg.SSHFleet.Hosts {
		hosts = append(hosts, sshfleet.Host{Name: h.Name, Addr: h.IP, User: h.User, Port: h.Port})
	}
	keyPath := filepath.Join(cfg.SSH.KeyDir, "id_ed25519")
	reg.Register("sshfleet", sshfleet.New(hosts, keyPath, cfg.SSH.KnownHosts, log.Logger))

	client, err := reg.Get(cfg.Backend)
	if err != nil {
		return nil, core.Config{}, err
	}
	return client, cfg, nil
}

func buildOrchestrator(client batch.RemoteClient, cfg core.Config) *batch.Orchestrator {
	prov := batch.NewProvisioner(client, log.Logger)
	prov.PollInterval = cfg.Timeouts.PollInterval
	prov.SteadyTimeout = cfg.Timeouts.PoolSteady
	prov.ReadyTimeout = cfg.Timeouts.VMReady
	prov.SkipIdleWait = cfg.Timeouts.SkipIdleWait

	watcher := batch.NewWatcher(client, log.Logger)
	watcher.PollInterval = cfg.Timeouts.PollInterval

	var store batch.StorageService
	if cfg.Storage.Endpoint != "" {
		store = storage.NewBlob(cfg.Storage.Endpoint, cfg.Storage.Account, cfg.Storage.Key)
	}

	return &batch.Orchestrator{
		Client:            client,
		Storage:           store,
		Provisioner:       prov,
		Submitter:         batch.NewSubmitter(client, cfg.Job.Command, log.Logger),
		Watcher:           watcher,
		Cleanup:           batch.CleanupPolicy{Job: cfg.Cleanup.Job, Pool: cfg.Cleanup.Pool, Container: cfg.Cleanup.Container},
		CompletionTimeout: cfg.Timeouts.Completion,
		Metrics:           telemetry.NewCollector(cfg.Telemetry.Enabled),
		Log:               log.Logger,
	}
}

func poolSpecFromConfig(cfg core.Config) batch.PoolSpec {
	return batch.PoolSpec{
		PoolID:      cfg.Pool.ID,
		VMSize:      cfg.Pool.VMSize,
		VMCount:     cfg.Pool.VMCount,
		OSPublisher: cfg.Pool.OSPublisher,
		OSOffer:     cfg.Pool.OSOffer,
	}
}

// Run the full lifecycle: provision, submit, wait, collect, teardown.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provision the pool, run the task batch, collect results and tear down",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			tasks, _ := cmd.Flags().GetInt("tasks")
			if tasks <= 0 {
				tasks = cfg.Job.TaskCount
			}
			jobID, _ := cmd.Flags().GetString("job-id")
			if jobID == "" {
				jobID = batch.NewJobID(cfg.Job.IDPrefix)
			}

			orch := buildOrchestrator(client, cfg)
			report, runErr := orch.Run(cmd.Context(), batch.RunInput{
				Pool:               poolSpecFromConfig(cfg),
				JobID:              jobID,
				TaskCount:          tasks,
				ContainerName:      cfg.Storage.Container,
				ResourceLocalPath:  cfg.Job.ResourceFile,
				ResourceRemotePath: cfg.Job.RemotePath,
			})

			if cfg.History.Path != "" {
				store, serr := core.NewStore(cfg.History.Path)
				if serr != nil {
					log.Error().Err(serr).Msg("open run history store")
				} else {
					if serr := store.RecordRun(cmd.Context(), report); serr != nil {
						log.Error().Err(serr).Msg("record run history")
					}
					_ = store.Close()
				}
			}

			fmt.Println("\nTask Results")
			fmt.Println("------------------------------------------------------")
			for _, r := range report.Results {
				if r.FailureMessage != "" {
					fmt.Printf("Task %s failed: %s\n", r.TaskID, r.FailureMessage)
					continue
				}
				fmt.Printf("\nTask %s output (%s):\n%s\n", r.TaskID, r.OutputFile, r.Output)
			}
			fmt.Println("------------------------------------------------------")
			fmt.Printf("\njob %s finished: %s\n", report.JobID, report.Status)
			return runErr
		},
	}
	cmd.Flags().Int("tasks", 0, "number of tasks (defaults to job.task_count)")
	cmd.Flags().String("job-id", "", "job id (defaults to a timestamp-derived id)")
	return cmd
}

// Ensure the pool exists and is steady without submitting work.
func newProvisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create or resize the configured pool and wait for it to be usable",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			prov := batch.NewProvisioner(client, log.Logger)
			prov.PollInterval = cfg.Timeouts.PollInterval
			prov.SteadyTimeout = cfg.Timeouts.PoolSteady
			prov.ReadyTimeout = cfg.Timeouts.VMReady
			prov.SkipIdleWait = cfg.Timeouts.SkipIdleWait
			desc, err := prov.EnsurePool(cmd.Context(), poolSpecFromConfig(cfg))
			if err != nil {
				return err
			}
			fmt.Printf("pool %s: %s/%s, %d dedicated node(s)\n",
				desc.ID, desc.State, desc.AllocationState, desc.DedicatedNodes)
			return nil
		},
	}
}

// List the backend's supported VM images.
func newImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List supported VM images",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			images, err := client.ListSupportedImages(cmd.Context())
			if err != nil {
				return err
			}
			for _, img := range images {
				fmt.Printf("%s\t%s\t%s/%s\t%s\n",
					img.OSType, img.Verification,
					img.ImageRef.Publisher, img.ImageRef.Offer, img.NodeAgentSKU)
			}
			return nil
		},
	}
}

// Delete leftover resources explicitly.
func newTeardownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Delete a job and/or the configured pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := resolveClient(cmd)
			if err != nil {
				return err
			}
			jobID, _ := cmd.Flags().GetString("job")
			keepPool, _ := cmd.Flags().GetBool("keep-pool")

			// Steps stay independent: one failure never blocks the next.
			if jobID != "" {
				log.Info().Str("job", jobID).Msg("deleting job")
				if err := client.DeleteJob(cmd.Context(), jobID); err != nil {
					batch.LogRemoteError(log.Logger, "delete job", err)
				}
			}
			if !keepPool {
				log.Info().Str("pool", cfg.Pool.ID).Msg("deleting pool")
				if err := client.DeletePool(cmd.Context(), cfg.Pool.ID); err != nil {
					batch.LogRemoteError(log.Logger, "delete pool", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("job", "", "job id to delete")
	cmd.Flags().Bool("keep-pool", false, "do not delete the configured pool")
	return cmd
}

// Show past runs from the history store.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if cfg.History.Path == "" {
				return fmt.Errorf("history.path is not configured")
			}
			store, err := core.NewStore(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s\t%s\t%s\t%d task(s)\t%s\n",
					r.JobID, r.PoolID, r.Status, r.TaskCount, r.Started.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum runs to list")
	return cmd
}
