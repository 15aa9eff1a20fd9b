package fsm

// ProvisionRequest is the FSM input. It is persisted by the workflow engine,
// so it never carries the user password.
type ProvisionRequest struct {
	RunID            string
	Serial           string
	RootFS           string
	Username         string
	PartitionPercent int
	OutputDir        string
}

// ProvisionResponse is the FSM output (accumulated across transitions)
type ProvisionResponse struct {
	// From Repartition
	Repartitioned bool
	LinuxGB       float64

	// From FlashRootFS
	BytesStreamed int64
	RootFSBlake3  string

	// From InstallFirmware
	PatchResult string
	PatchedBoot string
	BackupBoot  string

	// From Complete/Failed
	State        string
	Status       string
	ErrorMessage string
}

// State names
const (
	StateRepartition     = "repartition"
	StateClean           = "clean"
	StateBootRecovery    = "boot_recovery"
	StateFlashRootFS     = "flash_rootfs"
	StatePostInstall     = "postinstall"
	StateInstallFirmware = "install_firmware"
	StateFlashBoot       = "flash_boot"
	StateComplete        = "complete"
	StateFailed          = "failed"
)
