package pprofutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"strings"
	"sync"
	"time"
)

const DefaultAddr = "127.0.0.1:6060"

type Options struct {
	Enabled     bool
	Addr        string
	AllowPublic bool
}

var (
	startOnce sync.Once
	startAddr string
	startErr  error
)

// Start serves net/http/pprof once per process. It returns the bound address,
// or "" when profiling is disabled.
func Start(opts Options, logw io.Writer) (string, error) {
	if !opts.Enabled {
		return "", nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(opts.Addr)
		if addr == "" {
			addr = DefaultAddr
		}
		if !opts.AllowPublic && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("pprof addr must be loopback unless FEEDCHAT_PPROF_ALLOW_PUBLIC=1: %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		startAddr = ln.Addr().String()
		if logw != nil {
			fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", startAddr)
		}
		srv := &http.Server{
			Addr:              startAddr,
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return startAddr, startErr
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
