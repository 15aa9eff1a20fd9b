// Package fsm implements the provisioning finite state machine workflow.
// It drives a nabu tablet from the bootloader through repartitioning, the
// rootfs transfer, postinstall and UEFI boot image patching using the
// superfly/fsm library.
package fsm

import (
	"context"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
	"github.com/superfly/fsm"
)

type stage struct {
	state string
	run   transition
}

// stages lists the workflow transitions in order.
func (m *Machine) stages() []stage {
	return []stage{
		{StateRepartition, m.handler(StateRepartition, m.repartition)},
		{StateClean, m.handler(StateClean, m.clean)},
		{StateBootRecovery, m.handler(StateBootRecovery, m.bootRecovery)},
		{StateFlashRootFS, m.handler(StateFlashRootFS, m.flashRootFS)},
		{StatePostInstall, m.handler(StatePostInstall, m.postInstall)},
		{StateInstallFirmware, m.handler(StateInstallFirmware, m.installFirmware)},
		{StateFlashBoot, m.handler(StateFlashBoot, m.flashBoot)},
		{StateComplete, m.handler(StateComplete, m.complete)},
	}
}

// Register registers the provisioning FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[ProvisionRequest, ProvisionResponse], fsm.Resume, error) {
	s := m.stages()
	start, resume, err := fsm.Register[ProvisionRequest, ProvisionResponse](manager, "lon-provision").
		Start(s[0].state, s[0].run).
		To(s[1].state, s[1].run).
		To(s[2].state, s[2].run).
		To(s[3].state, s[3].run).
		To(s[4].state, s[4].run).
		To(s[5].state, s[5].run).
		To(s[6].state, s[6].run).
		To(s[7].state, s[7].run).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Run starts a provisioning run and blocks until it completes or fails. The
// returned error is the failure that aborted the run, so callers can branch
// on its kind.
func (m *Machine) Run(ctx context.Context, manager *fsm.Manager, req *ProvisionRequest) (*ProvisionResponse, error) {
	start, _, err := m.Register(ctx, manager)
	if err != nil {
		return nil, err
	}

	resp := &ProvisionResponse{}
	m.last = resp
	version, err := start(ctx, req.RunID, fsm.NewRequest(req, resp))
	if err != nil {
		return resp, errors.Wrap(err, "failed to start provisioning")
	}

	waitErr := manager.Wait(ctx, version)
	if m.fail != nil {
		return m.last, m.fail
	}
	if waitErr != nil {
		return m.last, errors.Wrap(waitErr, "provisioning failed")
	}
	return m.last, nil
}
