// Package docker implements the container runtime port by shelling out to
// the docker CLI.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/agentdesk/internal/port/containerruntime"
)

// runFunc executes the docker binary with args and returns stdout.
type runFunc func(ctx context.Context, args ...string) (string, error)

// Runtime drives containers through the docker CLI. Concurrent CLI calls are
// bounded by a weighted semaphore so a burst of session creations cannot
// fork an unbounded number of docker processes.
type Runtime struct {
	run       runFunc
	sem       *semaphore.Weighted
	stopGrace time.Duration
}

// New creates a Runtime using the given docker binary.
func New(binary string, maxConcurrent int64, stopGrace time.Duration) *Runtime {
	if binary == "" {
		binary = "docker"
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Runtime{
		run:       cliRunner(binary),
		sem:       semaphore.NewWeighted(maxConcurrent),
		stopGrace: stopGrace,
	}
}

// docker prints one of these when a container id or name is unknown.
var missingMarkers = []string{"No such container", "No such object"}

func isMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range missingMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// exec acquires a semaphore slot and runs docker.
func (r *Runtime) exec(ctx context.Context, args ...string) (string, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer r.sem.Release(1)
	return r.run(ctx, args...)
}

// Provision creates (but does not start) a container and returns its id.
func (r *Runtime) Provision(ctx context.Context, spec containerruntime.Spec) (string, error) {
	out, err := r.exec(ctx, createArgs(spec)...)
	if err != nil {
		return "", fmt.Errorf("docker create %s: %w", spec.Name, err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("docker create %s: empty container id", spec.Name)
	}
	return id, nil
}

func createArgs(spec containerruntime.Spec) []string {
	args := []string{"create", "--name", spec.Name}

	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	for _, p := range spec.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		args = append(args, "-p", fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, proto))
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	return append(args, spec.Image)
}

// Start starts a created container.
func (r *Runtime) Start(ctx context.Context, handle string) error {
	if _, err := r.exec(ctx, "start", handle); err != nil {
		return fmt.Errorf("docker start %s: %w", shortID(handle), wrapMissing(err))
	}
	return nil
}

// Pause freezes all processes of a running container.
func (r *Runtime) Pause(ctx context.Context, handle string) error {
	if _, err := r.exec(ctx, "pause", handle); err != nil {
		return fmt.Errorf("docker pause %s: %w", shortID(handle), wrapMissing(err))
	}
	return nil
}

// Resume unfreezes a paused container.
func (r *Runtime) Resume(ctx context.Context, handle string) error {
	if _, err := r.exec(ctx, "unpause", handle); err != nil {
		return fmt.Errorf("docker unpause %s: %w", shortID(handle), wrapMissing(err))
	}
	return nil
}

// Terminate stops the container with a grace period, then force-removes it.
// A missing container counts as removed.
func (r *Runtime) Terminate(ctx context.Context, handle string) error {
	grace := strconv.Itoa(int(r.stopGrace / time.Second))
	if _, err := r.exec(ctx, "stop", "-t", grace, handle); err != nil && !isMissing(err) {
		// A paused or wedged container may refuse to stop; rm -f still kills it.
		if ctx.Err() != nil {
			return fmt.Errorf("docker stop %s: %w", shortID(handle), err)
		}
	}
	if _, err := r.exec(ctx, "rm", "-f", handle); err != nil && !isMissing(err) {
		return fmt.Errorf("docker rm %s: %w", shortID(handle), err)
	}
	return nil
}

const inspectFormat = "{{.Id}}|{{.Name}}|{{.State.Status}}|{{json .Config.Labels}}"

// Describe reports the runtime state of a container. Unknown containers are
// reported as StateMissing rather than as an error.
func (r *Runtime) Describe(ctx context.Context, handle string) (containerruntime.Status, error) {
	out, err := r.exec(ctx, "inspect", "--type", "container", "--format", inspectFormat, handle)
	if err != nil {
		if isMissing(err) {
			return containerruntime.Status{ID: handle, State: containerruntime.StateMissing}, nil
		}
		return containerruntime.Status{}, fmt.Errorf("docker inspect %s: %w", shortID(handle), err)
	}
	return parseInspect(strings.TrimSpace(out))
}

// ListManaged returns every container carrying the managed label.
func (r *Runtime) ListManaged(ctx context.Context) ([]containerruntime.Status, error) {
	out, err := r.exec(ctx, "ps", "-a", "-q", "--filter", "label="+containerruntime.LabelManaged+"=true")
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}
	var statuses []containerruntime.Status
	for _, id := range strings.Fields(out) {
		st, err := r.Describe(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.State != containerruntime.StateMissing {
			statuses = append(statuses, st)
		}
	}
	return statuses, nil
}

// EnsureNetwork creates a bridge network when it does not exist yet.
func (r *Runtime) EnsureNetwork(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	if _, err := r.exec(ctx, "network", "inspect", name); err == nil {
		return nil
	}
	if _, err := r.exec(ctx, "network", "create", "--driver", "bridge", name); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("docker network create %s: %w", name, err)
	}
	return nil
}

func wrapMissing(err error) error {
	if isMissing(err) {
		return fmt.Errorf("%w: %w", containerruntime.ErrNoSuchContainer, err)
	}
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// shortID returns the first 12 characters of an ID (or the full string if shorter).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func cliRunner(binary string) runFunc {
	return func(ctx context.Context, args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec // G204: docker args are constructed internally, not from user input

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", fmt.Errorf("%w: %w", ctxErr, err)
			}
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return "", err
			}
			return "", fmt.Errorf("%s: %w", msg, err)
		}
		return stdout.String(), nil
	}
}

var errBadInspect = errors.New("unexpected inspect output")
