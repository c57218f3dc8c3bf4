//go:build !darwin

package activation

import "fmt"

// platformActivateSocket has no non-Darwin implementation; callers fall
// back to descriptor scanning (see Provider.Get).
func platformActivateSocket(name string) ([]int, error) {
	return nil, fmt.Errorf("launch_activate_socket: unsupported on this platform")
}
