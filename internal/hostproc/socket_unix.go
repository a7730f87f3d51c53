//go:build !windows

package hostproc

import (
	"context"
	"net"
	"path/filepath"
)

func socketPath(name string) string {
	return filepath.Join("/tmp", name+".sock")
}

func dialPipe(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
