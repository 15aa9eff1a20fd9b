package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nabu-linux/lon-deployer/pkg/artifact"
	"github.com/nabu-linux/lon-deployer/pkg/db"
	"github.com/nabu-linux/lon-deployer/pkg/device"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
	"github.com/nabu-linux/lon-deployer/pkg/events"
	"github.com/nabu-linux/lon-deployer/pkg/progress"
	"github.com/nabu-linux/lon-deployer/pkg/rootfs"
	"github.com/nabu-linux/lon-deployer/pkg/security"
	"github.com/superfly/fsm"
)

// Fetcher resolves an artifact to a verified local copy.
type Fetcher interface {
	Fetch(ctx context.Context, a artifact.Artifact) (*artifact.Result, error)
}

// Options tunes the workflow.
type Options struct {
	MaxRetries int
	// AcceptUnverified lets an artifact whose checksum never matched be used anyway.
	AcceptUnverified bool
	// Progress receives rootfs streaming progress.
	Progress progress.Func
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo      *db.Repository
	dev       *device.Device
	artifacts Fetcher
	manifest  artifact.Manifest
	events    events.Publisher
	intent    security.Intent
	opts      Options

	// fail is the first error that aborted the workflow. The engine only
	// reports that a run ended in the failed state; callers need the kind.
	fail error
	last *ProvisionResponse
}

// NewMachine creates a new FSM machine with dependencies. The intent's
// password stays in memory and never reaches the persisted request.
func NewMachine(
	repo *db.Repository,
	dev *device.Device,
	artifacts Fetcher,
	manifest artifact.Manifest,
	publisher events.Publisher,
	intent security.Intent,
	opts Options,
) *Machine {
	if publisher == nil {
		publisher = events.LogPublisher{}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	return &Machine{
		repo:      repo,
		dev:       dev,
		artifacts: artifacts,
		manifest:  manifest,
		events:    publisher,
		intent:    intent,
		opts:      opts,
	}
}

// Err returns the error that aborted the last run, if any.
func (m *Machine) Err() error {
	return m.fail
}

// Response returns the response as of the last completed transition.
func (m *Machine) Response() *ProvisionResponse {
	return m.last
}

type step func(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error

type transition = fsm.Transition[ProvisionRequest, ProvisionResponse]

// handler wraps a step with the bookkeeping every state shares: the retry
// limit, the run's state column and the state event. Any step error aborts
// the run, as a half-done device operation cannot be replayed safely.
func (m *Machine) handler(state string, fn step) transition {
	return func(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
		slog.Info("fsm_state_"+state, "run_id", req.Msg.RunID, "serial", req.Msg.Serial)

		resp := req.W.Msg
		if resp == nil {
			resp = &ProvisionResponse{}
		}
		m.last = resp

		if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.opts.MaxRetries) {
			slog.Error("max_retries_exceeded", "run_id", req.Msg.RunID, "state", state, "max_retries", m.opts.MaxRetries)
			return nil, m.abort(ctx, req.Msg, resp, state, fmt.Errorf("max retries (%d) exceeded", m.opts.MaxRetries))
		}

		resp.State = state
		resp.Status = db.StatusRunning
		if err := m.repo.UpdateState(req.Msg.RunID, state); err != nil {
			slog.Error("state_update_failed", "run_id", req.Msg.RunID, "state", state, "error", err)
			return nil, m.abort(ctx, req.Msg, resp, state, errors.Wrap(err, "failed to update run state"))
		}
		m.publish(ctx, req.Msg, state, db.StatusRunning, "")

		if err := fn(ctx, req.Msg, resp); err != nil {
			slog.Error("fsm_state_failed", "run_id", req.Msg.RunID, "state", state, "error", err)
			return nil, m.abort(ctx, req.Msg, resp, state, err)
		}
		return fsm.NewResponse(resp), nil
	}
}

func (m *Machine) abort(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse, state string, err error) error {
	if m.fail == nil {
		m.fail = err
	}
	resp.Status = db.StatusFailed
	resp.ErrorMessage = err.Error()
	m.publish(ctx, req, state, db.StatusFailed, err.Error())
	return fsm.Abort(err)
}

func (m *Machine) publish(ctx context.Context, req *ProvisionRequest, state, status, errMsg string) {
	e := events.NewEvent(req.RunID, req.Serial, state, status)
	e.Error = errMsg
	if err := m.events.Publish(ctx, e); err != nil {
		slog.Warn("event_publish_failed", "run_id", req.RunID, "state", state, "error", err)
	}
}

// fetch returns the local copy of a, falling back to an unverified copy only
// when the operator allowed it.
func (m *Machine) fetch(ctx context.Context, a artifact.Artifact) (*artifact.Result, error) {
	res, err := m.artifacts.Fetch(ctx, a)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, errors.ErrIntegrityUnverifiable) && m.opts.AcceptUnverified && res != nil {
		slog.Warn("artifact_integrity_unverified", "artifact", a.Name, "path", res.Path)
		return res, nil
	}
	return nil, errors.Wrap(err, "failed to fetch "+a.Name)
}

// repartition restores the stock layout, boots recovery and carves out the
// linux and esp partitions, leaving the device in the bootloader.
func (m *Machine) repartition(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	if req.PartitionPercent == 0 {
		slog.Info("repartition_skipped", "run_id", req.RunID)
		return nil
	}

	gpt, err := m.fetch(ctx, m.manifest.PartitionGPT)
	if err != nil {
		return err
	}
	userdata, err := m.fetch(ctx, m.manifest.UserdataImg)
	if err != nil {
		return err
	}
	recovery, err := m.fetch(ctx, m.manifest.Recovery)
	if err != nil {
		return err
	}

	if err := m.dev.RestoreStockLayout(ctx, gpt.Data, userdata.Data); err != nil {
		return err
	}
	if err := m.dev.BootRecovery(ctx, recovery.Path); err != nil {
		return err
	}
	plan, err := m.dev.Repartition(ctx, req.PartitionPercent)
	if err != nil {
		return err
	}

	resp.Repartitioned = true
	resp.LinuxGB = plan.LinuxGB
	slog.Info("repartition_complete", "run_id", req.RunID, "linux_gb", plan.LinuxGB)
	return nil
}

func (m *Machine) clean(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	return m.dev.Clean(ctx)
}

func (m *Machine) bootRecovery(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	recovery, err := m.fetch(ctx, m.manifest.Recovery)
	if err != nil {
		return err
	}
	return m.dev.BootRecovery(ctx, recovery.Path)
}

// flashRootFS formats the esp and streams the rootfs image onto the linux
// partition, recording the image fingerprint on the run.
func (m *Machine) flashRootFS(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	if err := m.dev.FormatESP(ctx); err != nil {
		return err
	}

	img, err := rootfs.Open(req.RootFS)
	if err != nil {
		return err
	}
	defer img.Close()

	counter := &countingFunc{next: m.opts.Progress}
	if err := m.dev.StreamRootFS(ctx, img, img.Size, counter.report); err != nil {
		return err
	}

	resp.BytesStreamed = counter.done
	resp.RootFSBlake3 = img.Fingerprint()
	if err := m.repo.SetFingerprint(req.RunID, resp.RootFSBlake3); err != nil {
		return errors.Wrap(err, "failed to record rootfs fingerprint")
	}
	slog.Info("rootfs_fingerprint_recorded", "run_id", req.RunID, "bytes", resp.BytesStreamed, "blake3", resp.RootFSBlake3)
	return nil
}

func (m *Machine) postInstall(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	return m.dev.PostInstall(ctx, m.intent.Username, m.intent.Password)
}

// installFirmware pushes the uefi files and patches the boot image. Only a
// fresh patch copies the images back to the host for flashBoot.
func (m *Machine) installFirmware(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	shim, err := m.fetch(ctx, m.manifest.BootShim)
	if err != nil {
		return err
	}
	payload, err := m.fetch(ctx, m.manifest.UEFIPayload)
	if err != nil {
		return err
	}

	result, err := m.dev.InstallFirmware(ctx, shim.Path, payload.Path)
	resp.PatchResult = result.String()
	if err != nil {
		return err
	}
	if result != device.Patched {
		return nil
	}

	imgs, err := m.dev.SaveBootImages(ctx, req.OutputDir)
	if err != nil {
		return err
	}
	resp.PatchedBoot = imgs.Patched
	resp.BackupBoot = imgs.Backup
	return nil
}

func (m *Machine) flashBoot(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	if resp.PatchResult != device.Patched.String() {
		slog.Info("flash_boot_skipped", "run_id", req.RunID, "patch_result", resp.PatchResult)
		return nil
	}
	return m.dev.FlashBoot(ctx, resp.PatchedBoot)
}

func (m *Machine) complete(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	resp.Status = db.StatusSucceeded
	m.publish(ctx, req, StateComplete, db.StatusSucceeded, "")
	slog.Info("fsm_complete", "run_id", req.RunID, "serial", req.Serial, "patch_result", resp.PatchResult)
	return nil
}

// countingFunc remembers how far a transfer got while forwarding progress.
type countingFunc struct {
	done int64
	next progress.Func
}

func (c *countingFunc) report(done, total int64) {
	c.done = done
	if c.next != nil {
		c.next(done, total)
	}
}
