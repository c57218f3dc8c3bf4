package testutil

import (
	"fmt"
	"testing"
)

// MinimalConfigJSON returns the smallest valid supervisor configuration:
// just the three required fields.
func MinimalConfigJSON(port int) string {
	return fmt.Sprintf(`{
  "cores": 4,
  "memory": 4096,
  "port": %d
}`, port)
}

// FullConfigJSON returns a configuration exercising every optional field
// the supervisor's config schema supports.
func FullConfigJSON(port int, sharedDirTag, sharedDirPath string) string {
	return fmt.Sprintf(`{
  "cores": 8,
  "memory": 8192,
  "debug": true,
  "port": %d,
  "rosetta": true,
  "on-demand": true,
  "ttl": 1800,
  "shared-dirs": {
    "%s": %q
  },
  "ip_discovery_timeout": 45,
  "ssh_ready_timeout": 20,
  "vm_pause_timeout": 10,
  "vm_resume_timeout": 10,
  "vm_stop_timeout": 15
}`, port, sharedDirTag, sharedDirPath)
}

// InvalidConfigJSONMissingCores returns a config missing the required
// cores field, for Configuration-error path testing.
func InvalidConfigJSONMissingCores(port int) string {
	return fmt.Sprintf(`{"memory": 4096, "port": %d}`, port)
}

// SampleDHCPLeases returns a dhcpd_leases-formatted database containing
// one entry matching mac at ip, plus one unrelated entry.
func SampleDHCPLeases(mac, ip string) string {
	return fmt.Sprintf(`{
	name=guest
	ip_address=%s
	hw_address=1,%s
	identifier=1,%s
	lease=1
}
{
	name=other
	ip_address=192.0.2.200
	hw_address=1,aa:bb:cc:dd:ee:ff
}
`, ip, mac, mac)
}

// VfkitStateJSON returns a vfkit RESTful state response body for one of
// its documented states.
func VfkitStateJSON(state string, canPause, canResume bool) string {
	return fmt.Sprintf(`{"state":%q,"canPause":%t,"canResume":%t}`, state, canPause, canResume)
}

// WriteMinimalConfig writes a minimal valid config file under dir and
// returns its path.
func WriteMinimalConfig(t *testing.T, dir string, port int) string {
	t.Helper()
	return WriteFile(t, dir, "config.json", MinimalConfigJSON(port))
}
