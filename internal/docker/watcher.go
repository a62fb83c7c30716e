// Package docker watches the local Docker daemon's container lifecycle
// events and maintains a container_id -> state map, so the process state
// manager can attach container context to a process event when the
// process's cgroup identifier matches a tracked container.
package docker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// ContainerState is the lifecycle state of a watched container.
type ContainerState uint8

const (
	StateUnknown ContainerState = iota
	StateStarted
	StateExited
	StateDied
)

func (s ContainerState) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateExited:
		return "exited"
	case StateDied:
		return "died"
	default:
		return "unknown"
	}
}

// ContainerRecord is the watcher's view of a single container.
type ContainerRecord struct {
	ID        string
	Name      string
	Image     string
	IP        string
	Labels    map[string]string
	State     ContainerState
	ExitCode  int
	Reason    string
	Timestamp time.Time
}

// Watcher subscribes to Docker's event stream and maintains the container
// map. Failing to reach the Docker daemon is not fatal to the daemon's
// startup: New returns an error and the caller skips container enrichment.
type Watcher struct {
	cli *client.Client
	log *zap.Logger

	mu         sync.RWMutex
	containers map[string]*ContainerRecord
}

// New connects to the local Docker daemon via the environment-configured
// endpoint (DOCKER_HOST or the default Unix socket).
func New(log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cli:        cli,
		log:        log,
		containers: make(map[string]*ContainerRecord),
	}, nil
}

// Run subscribes to container lifecycle events and updates the container
// map until ctx is cancelled. An initial listing seeds already-running
// containers before the event stream takes over.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.seed(ctx); err != nil {
		w.log.Warn("docker watcher: failed to seed running containers", zap.Error(err))
	}

	f := filters.NewArgs()
	f.Add("type", string(events.ContainerEventType))

	msgs, errs := w.cli.Events(ctx, types.EventsOptions{Filters: f})
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			if err != nil {
				return err
			}
		case msg := <-msgs:
			w.handleEvent(msg)
		}
	}
}

func (w *Watcher) seed(ctx context.Context) error {
	list, err := w.cli.ContainerList(ctx, types.ContainerListOptions{})
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		w.containers[c.ID] = &ContainerRecord{
			ID:        c.ID,
			Name:      name,
			Image:     c.Image,
			Labels:    c.Labels,
			State:     StateStarted,
			Timestamp: time.Now(),
		}
	}
	return nil
}

func (w *Watcher) handleEvent(msg events.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, ok := w.containers[msg.Actor.ID]
	if !ok {
		rec = &ContainerRecord{ID: msg.Actor.ID, Labels: msg.Actor.Attributes}
		w.containers[msg.Actor.ID] = rec
	}
	rec.Timestamp = time.Unix(0, msg.TimeNano)
	if name, ok := msg.Actor.Attributes["name"]; ok {
		rec.Name = name
	}
	if img, ok := msg.Actor.Attributes["image"]; ok {
		rec.Image = img
	}

	switch msg.Action {
	case "start":
		rec.State = StateStarted
	case "die":
		rec.State = StateExited
		rec.ExitCode = parseExitCode(msg.Actor.Attributes["exitCode"])
		rec.Reason = msg.Actor.Attributes["reason"]
	case "destroy":
		rec.State = StateDied
	}
}

// GetContainerEvent returns the tracked record for a container ID, if any.
func (w *Watcher) GetContainerEvent(id string) (ContainerRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rec, ok := w.containers[id]
	if !ok {
		return ContainerRecord{}, false
	}
	return *rec, true
}

// Close releases the Docker client's connection.
func (w *Watcher) Close() error {
	return w.cli.Close()
}

func parseExitCode(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
