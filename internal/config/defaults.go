package config

import "time"

// Compiled-in defaults and well-known runtime file names.
const (
	// DefaultWorkingDirectory is used when VIRBY_WORKING_DIRECTORY is unset.
	DefaultWorkingDirectory = "/var/lib/virby"

	// DefaultVMUser is the guest account the SSH probe connects as.
	DefaultVMUser = "builder"

	// Runtime file names under the working directory.
	EFIVariableStoreFileName = "efistore.nvram"
	DiffDiskFileName         = "diff.img"
	SerialLogFileName        = "serial.log"
	PIDFileName              = "vfkit.pid"

	SSHDKeysSharedDirName     = "vm_sshd_keys"
	SSHHostPrivateKeyFileName = "ssh_host_ed25519_key"
	SSHHostPublicKeyFileName  = "ssh_host_ed25519_key.pub"
	SSHUserPrivateKeyFileName = "ssh_user_ed25519_key"
	SSHUserPublicKeyFileName  = "ssh_user_ed25519_key.pub"
	SSHKnownHostsFileName     = "ssh_known_hosts"

	// SSHDKeysMountTag is vfkit's virtio-fs mount tag for the shared
	// directory that carries the guest's SSH host keys in.
	SSHDKeysMountTag = "sshd-keys"
	RosettaMountTag  = "rosetta"
)

// Safe-Pause-or-Stop budget split.
const (
	PauseFeasibilityProbeBudget = 3 * time.Second
	PauseBudgetCap              = 15 * time.Second
	StopBudgetFloor             = 10 * time.Second
)
