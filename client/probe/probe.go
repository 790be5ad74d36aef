// Package probe collects the process-info snapshot a client reports at
// registration time (spec §3.1, §4.5), grounded on the upstream reference's
// collect_process_info: real pid/ppid/uid/gid where the platform exposes
// them, hostname, and Kubernetes downward-API conventions for node/pod/
// namespace metadata.
package probe

import (
	"os"
	"strings"
	"time"

	"github.com/trailsd/trails/internal/wire"
)

const serviceAccountNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// Collect gathers a ProcessInfo snapshot for the current process.
func Collect() wire.ProcessInfo {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}

	info := wire.ProcessInfo{
		PID:      int32(os.Getpid()),
		PPID:     int32(os.Getppid()),
		UID:      int32(os.Getuid()),
		GID:      int32(os.Getgid()),
		Hostname: hostname,
	}

	if ns := namespace(); ns != "" {
		info.Namespace = &ns
	}
	if node := os.Getenv("NODE_NAME"); node != "" {
		info.NodeName = &node
	}
	if ip := os.Getenv("POD_IP"); ip != "" {
		info.PodIP = &ip
	}
	if exe, err := os.Executable(); err == nil {
		info.Executable = &exe
	}

	startMs := time.Now().UnixMilli()
	info.StartTime = &startMs

	return info
}

// namespace resolves the Kubernetes namespace from POD_NAMESPACE, falling
// back to the projected service account file when the env var is absent —
// the same precedence order the Kubernetes downward API recommends.
func namespace() string {
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}
	data, err := os.ReadFile(serviceAccountNamespaceFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
