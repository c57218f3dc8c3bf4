// Package sshprobe launches short, non-interactive SSH attempts to confirm
// a guest's sshd is accepting keys. It never touches the guest's state: the
// remote command is always the no-op "true".
package sshprobe

import (
	"context"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober is a cached SSH connectivity tester: it holds the user, identity
// file and known-hosts paths and reuses them across repeated probes during
// Start. The argv is assembled afresh on each Probe call.
type Prober struct {
	user         string
	identityFile string
	knownHosts   string
}

// New builds a Prober using the user private key and known-hosts file
// inside workingDir, connecting as user.
func New(workingDir, user string) *Prober {
	return &Prober{
		user:         user,
		identityFile: filepath.Join(workingDir, "ssh_user_ed25519_key"),
		knownHosts:   filepath.Join(workingDir, "ssh_known_hosts"),
	}
}

// Probe attempts a single non-interactive connection to ip:22, returning
// true iff the ssh child exits 0 within timeout. The probe is read-only and
// side-effect-free on the guest: the remote command is the literal "true".
func (p *Prober) Probe(ctx context.Context, ip string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"-o", "BatchMode=yes",
		"-o", "PasswordAuthentication=no",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "UserKnownHostsFile=" + p.knownHosts,
		"-o", "ConnectTimeout=" + connectTimeoutSeconds(timeout),
		"-p", "22",
		"-i", p.identityFile,
		p.user + "@" + ip,
		"true",
	}

	cmd := exec.CommandContext(ctx, "ssh", args...)
	err := cmd.Run()
	if err != nil {
		logrus.WithError(err).WithField("ip", ip).Debug("ssh probe failed")
		return false
	}
	logrus.WithField("ip", ip).Debug("ssh probe succeeded")
	return true
}

func connectTimeoutSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
