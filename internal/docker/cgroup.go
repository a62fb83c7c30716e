package docker

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// containerIDPattern matches the 64-hex-digit container identifier Docker
// embeds in a process's cgroup path, for both cgroup v1
// ("/docker/<id>") and v2 ("/system.slice/docker-<id>.scope") layouts.
var containerIDPattern = regexp.MustCompile(`[0-9a-f]{64}`)

// ContainerIDForPID reads /proc/<pid>/cgroup and extracts the Docker
// container ID the process runs in, or "" when the process is not
// containerised (or has already exited).
func ContainerIDForPID(pid int32) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return ""
	}
	return containerIDFromCgroup(string(data))
}

func containerIDFromCgroup(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if !strings.Contains(line, "docker") {
			continue
		}
		if id := containerIDPattern.FindString(line); id != "" {
			return id
		}
	}
	return ""
}

// LookupForPID resolves a PID's container via its cgroup and returns the
// watcher's record for it. The state manager uses this to attach container
// context to matched process starts.
func (w *Watcher) LookupForPID(pid int32) (ContainerRecord, bool) {
	id := ContainerIDForPID(pid)
	if id == "" {
		return ContainerRecord{}, false
	}
	return w.GetContainerEvent(id)
}
