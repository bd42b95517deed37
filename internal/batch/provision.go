package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Default wait cadence and phase deadlines.
const (
	DefaultPollInterval      = 10 * time.Second
	DefaultSteadyTimeout     = 5 * time.Minute
	DefaultReadyTimeout      = 20 * time.Minute
	DefaultCompletionTimeout = 5 * time.Minute
)

// Provisioner ensures a named pool exists and is observably usable.
// Repeated calls with the same PoolID are idempotent and purely additive:
// an existing active pool is resized, never recreated, and its image
// configuration is left alone. Concurrent runs sharing a PoolID may race
// on resize; the service is the sole authority on the outcome.
type Provisioner struct {
	Client        RemoteClient
	PollInterval  time.Duration
	SteadyTimeout time.Duration
	ReadyTimeout  time.Duration
	// SkipIdleWait drops the idle-node wait. Reaching idle is not required
	// to submit work; the wait only makes the pool observably ready.
	SkipIdleWait bool
	Log          zerolog.Logger
}

func NewProvisioner(client RemoteClient, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		Client:        client,
		PollInterval:  DefaultPollInterval,
		SteadyTimeout: DefaultSteadyTimeout,
		ReadyTimeout:  DefaultReadyTimeout,
		Log:           log,
	}
}

// EnsurePool creates or resizes the pool described by spec and blocks
// until allocation is steady and (unless skipped) at least one node is
// idle. Fails with ErrProvisionTimeout when a wait deadline expires and
// ErrNoMatchingImage when no verified image matches the spec.
func (p *Provisioner) EnsurePool(ctx context.Context, spec PoolSpec) (PoolDescriptor, error) {
	exists, err := p.Client.PoolExists(ctx, spec.PoolID)
	if err != nil {
		return PoolDescriptor{}, fmt.Errorf("query pool %s: %w", spec.PoolID, err)
	}

	active := false
	if exists {
		desc, err := p.Client.GetPool(ctx, spec.PoolID)
		if err != nil {
			return PoolDescriptor{}, fmt.Errorf("get pool %s: %w", spec.PoolID, err)
		}
		active = desc.State == PoolActive
	}

	if active {
		// Resizing to the current target is a server-side no-op.
		p.Log.Info().Str("pool", spec.PoolID).Int("nodes", spec.VMCount).
			Msg("pool already exists, resizing to target dedicated nodes")
		if err := p.Client.ResizePool(ctx, spec.PoolID, spec.VMCount, 0); err != nil {
			return PoolDescriptor{}, fmt.Errorf("resize pool %s: %w", spec.PoolID, err)
		}
	} else {
		img, err := p.resolveImage(ctx, spec)
		if err != nil {
			return PoolDescriptor{}, err
		}
		p.Log.Info().Str("pool", spec.PoolID).Str("vm_size", spec.VMSize).
			Int("nodes", spec.VMCount).
			Str("image", img.ImageRef.Publisher+"/"+img.ImageRef.Offer).
			Msg("creating pool")
		cfg := VMConfiguration{ImageRef: img.ImageRef, NodeAgentSKU: img.NodeAgentSKU}
		if err := p.Client.CreatePool(ctx, spec.PoolID, spec.VMSize, cfg, spec.VMCount); err != nil {
			if !IsAlreadyExists(err) {
				return PoolDescriptor{}, fmt.Errorf("create pool %s: %w", spec.PoolID, err)
			}
			// Another run won the create; the pool is there, which is all
			// we wanted.
			p.Log.Info().Str("pool", spec.PoolID).Msg("pool created concurrently, continuing")
		}
	}

	if err := p.waitSteady(ctx, spec.PoolID); err != nil {
		return PoolDescriptor{}, err
	}
	if !p.SkipIdleWait {
		if err := p.waitIdleNode(ctx, spec.PoolID); err != nil {
			return PoolDescriptor{}, err
		}
	}

	desc, err := p.Client.GetPool(ctx, spec.PoolID)
	if err != nil {
		return PoolDescriptor{}, fmt.Errorf("get pool %s: %w", spec.PoolID, err)
	}
	return desc, nil
}

// resolveImage picks the first verified Linux image whose publisher and
// offer match the spec case-insensitively.
func (p *Provisioner) resolveImage(ctx context.Context, spec PoolSpec) (ImageInfo, error) {
	images, err := p.Client.ListSupportedImages(ctx)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("list supported images: %w", err)
	}
	for _, img := range images {
		if !strings.EqualFold(img.OSType, osTypeLinux) {
			continue
		}
		if !strings.EqualFold(img.Verification, verificationPassed) {
			continue
		}
		if strings.EqualFold(img.ImageRef.Publisher, spec.OSPublisher) &&
			strings.EqualFold(img.ImageRef.Offer, spec.OSOffer) {
			return img, nil
		}
	}
	return ImageInfo{}, fmt.Errorf("no verified linux image for %s/%s: %w",
		spec.OSPublisher, spec.OSOffer, ErrNoMatchingImage)
}

func (p *Provisioner) waitSteady(ctx context.Context, poolID string) error {
	p.Log.Info().Str("pool", poolID).Dur("timeout", p.SteadyTimeout).
		Msg("waiting for pool allocation to reach steady state")
	err := WaitFor(ctx, p.PollInterval, p.SteadyTimeout, func(ctx context.Context) (bool, error) {
		desc, err := p.Client.GetPool(ctx, poolID)
		if err != nil {
			return false, fmt.Errorf("get pool %s: %w", poolID, err)
		}
		p.Log.Debug().Str("pool", poolID).
			Str("allocation_state", string(desc.AllocationState)).Msg("pool allocation tick")
		return desc.AllocationState == AllocationSteady, nil
	})
	if errors.Is(err, errWaitTimeout) {
		return fmt.Errorf("pool %s not steady after %s: %w", poolID, p.SteadyTimeout, ErrProvisionTimeout)
	}
	return err
}

func (p *Provisioner) waitIdleNode(ctx context.Context, poolID string) error {
	p.Log.Info().Str("pool", poolID).Dur("timeout", p.ReadyTimeout).
		Msg("waiting for an idle node")
	err := WaitFor(ctx, p.PollInterval, p.ReadyTimeout, func(ctx context.Context) (bool, error) {
		nodes, err := p.Client.ListIdleNodes(ctx, poolID)
		if err != nil {
			return false, fmt.Errorf("list idle nodes in %s: %w", poolID, err)
		}
		p.Log.Debug().Str("pool", poolID).Int("idle_nodes", len(nodes)).Msg("node state tick")
		return len(nodes) > 0, nil
	})
	if errors.Is(err, errWaitTimeout) {
		return fmt.Errorf("no idle node in pool %s after %s: %w", poolID, p.ReadyTimeout, ErrProvisionTimeout)
	}
	return err
}
