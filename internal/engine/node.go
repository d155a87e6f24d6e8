package engine

import (
	"os"

	"github.com/denisbrodbeck/machineid"
)

// NodeID identifies this host in system status. The machine id is hashed
// with an app key so the raw id never leaves the host; the hostname is the
// fallback where no machine id is available.
func NodeID() string {
	if id, err := machineid.ProtectedID("signalist"); err == nil {
		return id
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}
