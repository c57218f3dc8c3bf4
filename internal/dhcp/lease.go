// Package dhcp resolves a guest MAC address to an IPv4 address by parsing
// macOS's DHCP lease database, with mtime-keyed caching so repeated lookups
// during IP discovery don't re-read the file on every poll.
package dhcp

import (
	"bufio"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quinneden/virby-nix-darwin/internal/errs"
)

// DefaultLeasesPath is the default location of the macOS DHCP lease
// database.
const DefaultLeasesPath = "/var/db/dhcpd_leases"

// leadingZero matches a leading zero in a MAC octet, e.g. "08" in
// "02:08:ab:...", so it can be stripped to match the normalized form vfkit
// and the lease file both converge on.
var leadingZero = regexp.MustCompile(`0([A-Fa-f0-9](:|$))`)

// NormalizeMAC lower-cases a MAC address and strips the leading zero of
// each two-hex-digit octet, so that hypervisor-emitted and lease-file forms
// compare equal. Idempotent: NormalizeMAC(NormalizeMAC(m)) == NormalizeMAC(m).
func NormalizeMAC(mac string) string {
	return leadingZero.ReplaceAllString(strings.ToLower(mac), "$1")
}

// Entry is one parsed DHCP lease record.
type Entry struct {
	Name       string
	IPAddress  string
	HWAddress  string
	Identifier string
	Lease      string
}

// Watcher looks up IPv4 addresses for a MAC address against the lease
// database, caching the parsed entries keyed by the file's mtime.
type Watcher struct {
	LeasesPath string

	mu            sync.Mutex
	cachedEntries []Entry
	cachedModTime time.Time
}

// NewWatcher constructs a Watcher reading leasesPath. An empty leasesPath
// defaults to DefaultLeasesPath.
func NewWatcher(leasesPath string) *Watcher {
	if leasesPath == "" {
		leasesPath = DefaultLeasesPath
	}
	return &Watcher{LeasesPath: leasesPath}
}

// Lookup resolves mac to an IPv4 address. It fails soft (empty string, nil
// error) when the lease file is absent or unreadable; it returns an
// IPDiscoveryError only on unexpected parse failure.
func (w *Watcher) Lookup(mac string) (string, error) {
	mac = NormalizeMAC(mac)

	entries, err := w.entries()
	if err != nil {
		return "", err
	}

	for _, e := range entries {
		if e.HWAddress == mac {
			logrus.WithField("ip", e.IPAddress).WithField("mac", mac).Debug("dhcp: lease found")
			return e.IPAddress, nil
		}
	}
	logrus.WithField("mac", mac).Debug("dhcp: no lease found")
	return "", nil
}

func (w *Watcher) entries() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.LeasesPath)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithField("path", w.LeasesPath).Debug("dhcp: lease file not found")
			return nil, nil
		}
		logrus.WithError(err).Warn("dhcp: failed to stat lease file")
		w.invalidateLocked()
		return nil, nil
	}

	if w.cachedEntries != nil && info.ModTime().Equal(w.cachedModTime) {
		return w.cachedEntries, nil
	}

	f, err := os.Open(w.LeasesPath)
	if err != nil {
		logrus.WithError(err).Warn("dhcp: failed to open lease file")
		w.invalidateLocked()
		return nil, nil
	}
	defer f.Close()

	entries, err := parseLeases(f)
	if err != nil {
		w.invalidateLocked()
		return nil, errs.NewIPDiscoveryError(err)
	}

	w.cachedEntries = entries
	w.cachedModTime = info.ModTime()
	return entries, nil
}

func (w *Watcher) invalidateLocked() {
	w.cachedEntries = nil
	w.cachedModTime = time.Time{}
}

// parseLeases parses a dhcpd_leases file: records delimited by brace lines,
// each inner line "key=value".
func parseLeases(r *os.File) ([]Entry, error) {
	var entries []Entry
	var current *Entry

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "{":
			current = &Entry{}
			continue
		case "}":
			if current != nil {
				entries = append(entries, *current)
				current = nil
			}
			continue
		}

		if current == nil {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "name":
			current.Name = value
		case "ip_address":
			current.IPAddress = value
		case "hw_address":
			current.HWAddress = NormalizeMAC(strings.TrimPrefix(value, "1,"))
		case "identifier":
			current.Identifier = value
		case "lease":
			current.Lease = value
		}
	}

	return entries, scanner.Err()
}
