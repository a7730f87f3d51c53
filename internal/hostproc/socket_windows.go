//go:build windows

package hostproc

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

func socketPath(name string) string {
	return `\\.\pipe\` + name
}

func dialPipe(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}
