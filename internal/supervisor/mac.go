package supervisor

import (
	"crypto/rand"
	"fmt"
)

// generateMAC returns a locally-administered, unicast MAC address with
// fixed prefix 02:94 and four random trailing octets. New calls it once per
// supervisor instance; an instance keeps its MAC for its whole lifetime.
func generateMAC() (string, error) {
	var tail [4]byte
	if _, err := rand.Read(tail[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("02:94:%02x:%02x:%02x:%02x", tail[0], tail[1], tail[2], tail[3]), nil
}
