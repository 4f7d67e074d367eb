package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/floww-sh/floww/internal/config"
	"github.com/floww-sh/floww/internal/store"
)

const (
	// labelRuntimeID marks a container as owned by this service.
	labelRuntimeID = "floww.runtime-id"
	labelImageHash = "floww.image-hash"
	labelLastUsed  = "floww.last-used"

	// runtimeNetwork is the bridge network all runtime containers join;
	// container DNS name equals container name on it.
	runtimeNetwork = "floww-runtimes"

	// runtimePort is the HTTP port the workload image listens on.
	runtimePort = 8000

	healthWait    = 30 * time.Second
	invokeTimeout = 60 * time.Second
)

// DockerBackend runs workflow code in long-lived warm containers on the
// local Docker daemon.
type DockerBackend struct {
	cli         client.APIClient
	log         *zap.Logger
	idleTimeout time.Duration
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
}

var _ Backend = (*DockerBackend)(nil)

func NewDockerBackend(cfg *config.Settings, log *zap.Logger) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect docker daemon: %w", err)
	}
	return newDockerBackend(cli, log, cfg.ContainerIdleTimeout), nil
}

func newDockerBackend(cli client.APIClient, log *zap.Logger, idleTimeout time.Duration) *DockerBackend {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "runtime-invoke",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("invoke circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &DockerBackend{
		cli:         cli,
		log:         log,
		idleTimeout: idleTimeout,
		httpClient:  &http.Client{Timeout: invokeTimeout},
		breaker:     breaker,
	}
}

func containerName(runtimeID string) string {
	return "floww-runtime-" + runtimeID
}

// CreateRuntime pulls the image and starts the warm container. A container
// already running for the runtime id makes this a no-op.
func (d *DockerBackend) CreateRuntime(ctx context.Context, rt *store.Runtime, img string) (*ProvisionState, error) {
	state := &ProvisionState{Status: store.RuntimeInProgress}

	existing, err := d.findContainer(ctx, rt.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.State == "running" {
		state.Status = store.RuntimeCompleted
		state.Logs = append(state.Logs, "container already running")
		return state, nil
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	state.Logs = append(state.Logs, "pulling image "+img)
	rc, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		state.Status = store.RuntimeFailed
		state.Logs = append(state.Logs, "image pull failed: "+err.Error())
		return state, nil
	}
	// Pull progress must be drained for the pull to complete.
	io.Copy(io.Discard, rc)
	rc.Close()

	if existing == nil {
		imageHash := imageHashOf(rt)
		created, err := d.cli.ContainerCreate(ctx,
			&container.Config{
				Image: img,
				Labels: map[string]string{
					labelRuntimeID: rt.ID,
					labelImageHash: imageHash,
					labelLastUsed:  time.Now().UTC().Format(time.RFC3339),
				},
			},
			&container.HostConfig{NetworkMode: container.NetworkMode(runtimeNetwork)},
			nil, nil, containerName(rt.ID))
		if err != nil {
			state.Status = store.RuntimeFailed
			state.Logs = append(state.Logs, "container create failed: "+err.Error())
			return state, nil
		}
		state.Logs = append(state.Logs, "created container "+created.ID[:12])
		existing = &container.Summary{ID: created.ID}
	}

	if err := d.cli.ContainerStart(ctx, existing.ID, container.StartOptions{}); err != nil {
		state.Status = store.RuntimeFailed
		state.Logs = append(state.Logs, "container start failed: "+err.Error())
		return state, nil
	}
	state.Status = store.RuntimeCompleted
	state.Logs = append(state.Logs, "container started")
	return state, nil
}

func (d *DockerBackend) RuntimeStatus(ctx context.Context, rt *store.Runtime) (*ProvisionState, error) {
	c, err := d.findContainer(ctx, rt.ID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return &ProvisionState{
			Status: store.RuntimeFailed,
			Logs:   []string{"no container for runtime"},
		}, nil
	}
	switch c.State {
	case "running":
		return &ProvisionState{Status: store.RuntimeCompleted}, nil
	case "created", "restarting":
		return &ProvisionState{Status: store.RuntimeInProgress}, nil
	default:
		return &ProvisionState{
			Status: store.RuntimeFailed,
			Logs:   []string{"container state: " + string(c.State)},
		}, nil
	}
}

// InvokeTrigger ensures the container is up and healthy, then POSTs the
// payload to its /execute endpoint.
func (d *DockerBackend) InvokeTrigger(ctx context.Context, rt *store.Runtime, img string, payload *Payload) error {
	c, err := d.findContainer(ctx, rt.ID)
	if err != nil {
		return err
	}
	if c == nil || c.State != "running" {
		state, err := d.CreateRuntime(ctx, rt, img)
		if err != nil {
			return err
		}
		// A FAILED state never becomes healthy; skip the wait.
		if err := state.Err(); err != nil {
			return err
		}
		if err := d.waitHealthy(ctx, rt.ID); err != nil {
			return err
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	url := fmt.Sprintf("http://%s:%d/execute", containerName(rt.ID), runtimePort)

	_, err = d.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("runtime returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("invoke runtime %s: %w", rt.ID, err)
	}
	return nil
}

// waitHealthy polls GET /health until it answers 200 or the bounded wait
// expires.
func (d *DockerBackend) waitHealthy(ctx context.Context, runtimeID string) error {
	url := fmt.Sprintf("http://%s:%d/health", containerName(runtimeID), runtimePort)
	deadline := time.Now().Add(healthWait)
	probe := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := probe.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("runtime %s not healthy after %s", runtimeID, healthWait)
}

// TeardownUnusedRuntimes removes exited runtime containers immediately and
// force-removes running ones idle past the timeout. Activity is the latest
// log line that is not a health probe; a container with only health traffic
// counts as idle since it started.
func (d *DockerBackend) TeardownUnusedRuntimes(ctx context.Context) error {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelRuntimeID)),
	})
	if err != nil {
		return fmt.Errorf("list runtime containers: %w", err)
	}

	now := time.Now().UTC()
	for _, c := range containers {
		runtimeID := c.Labels[labelRuntimeID]

		if c.State != "running" {
			d.log.Info("removing stopped runtime container",
				zap.String("runtime_id", runtimeID), zap.String("state", string(c.State)))
			d.removeContainer(ctx, c.ID, runtimeID)
			continue
		}

		lastActivity, err := d.lastActivity(ctx, c.ID)
		if err != nil {
			d.log.Warn("cannot determine container activity",
				zap.String("runtime_id", runtimeID), zap.Error(err))
			continue
		}
		if idle := now.Sub(lastActivity); idle > d.idleTimeout {
			d.log.Info("removing idle runtime container",
				zap.String("runtime_id", runtimeID), zap.Duration("idle", idle))
			d.removeContainer(ctx, c.ID, runtimeID)
		}
	}
	return nil
}

func (d *DockerBackend) removeContainer(ctx context.Context, id, runtimeID string) {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		d.log.Error("remove runtime container failed",
			zap.String("runtime_id", runtimeID), zap.Error(err))
	}
}

// lastActivity returns the timestamp of the latest non-health log line,
// falling back to the container's StartedAt when only health probes logged.
func (d *DockerBackend) lastActivity(ctx context.Context, containerID string) (time.Time, error) {
	rc, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("read container logs: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return time.Time{}, fmt.Errorf("demux container logs: %w", err)
	}

	if ts, ok := lastNonHealthLine(&buf); ok {
		return ts, nil
	}

	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return time.Time{}, fmt.Errorf("inspect container: %w", err)
	}
	started, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse container start time: %w", err)
	}
	return started, nil
}

// lastNonHealthLine scans timestamped log lines and returns the newest
// timestamp whose message does not mention /health.
func lastNonHealthLine(r io.Reader) (time.Time, bool) {
	var last time.Time
	var found bool
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tsStr, msg, ok := strings.Cut(line, " ")
		if !ok || strings.Contains(msg, "/health") {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			continue
		}
		if ts.After(last) {
			last = ts
			found = true
		}
	}
	return last, found
}

func (d *DockerBackend) findContainer(ctx context.Context, runtimeID string) (*container.Summary, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelRuntimeID+"="+runtimeID)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers for runtime %s: %w", runtimeID, err)
	}
	if len(containers) == 0 {
		return nil, nil
	}
	return &containers[0], nil
}

func (d *DockerBackend) ensureNetwork(ctx context.Context) error {
	_, err := d.cli.NetworkInspect(ctx, runtimeNetwork, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect runtime network: %w", err)
	}
	if _, err := d.cli.NetworkCreate(ctx, runtimeNetwork, network.CreateOptions{}); err != nil {
		return fmt.Errorf("create runtime network: %w", err)
	}
	return nil
}

func imageHashOf(rt *store.Runtime) string {
	var cfg struct {
		ImageHash string `json:"image_hash"`
	}
	json.Unmarshal(rt.Config, &cfg)
	return cfg.ImageHash
}
