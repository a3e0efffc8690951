package engine

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// listScript prints one "<d|f>\t<name>" line per child of $1.
const listScript = `cd -- "$1" || exit 2
for f in * .[!.]* ..?*; do
  [ -e "$f" ] || [ -L "$f" ] || continue
  if [ -d "$f" ]; then printf 'd\t%s\n' "$f"; else printf 'f\t%s\n' "$f"; fi
done`

// writeScript creates the parent of $1 and copies stdin into it.
const writeScript = `mkdir -p -- "$(dirname -- "$1")" && cat > "$1"`

// DockerConfig configures the Docker engine client.
type DockerConfig struct {
	Host      string // empty uses DOCKER_HOST and friends
	PublishIP string // host interface for published ports
}

// Docker implements Engine on top of the Docker Engine API.
type Docker struct {
	cli       *client.Client
	publishIP string
	log       *zap.Logger
}

// NewDocker connects to the Docker daemon. The connection is verified lazily by Ping.
func NewDocker(cfg DockerConfig, log *zap.Logger) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	publishIP := cfg.PublishIP
	if publishIP == "" {
		publishIP = "127.0.0.1"
	}
	return &Docker{
		cli:       cli,
		publishIP: publishIP,
		log:       log.With(zap.String("component", "engine.docker")),
	}, nil
}

func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (d *Docker) Create(ctx context.Context, spec CreateSpec) (Runtime, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	if spec.Limits.Network != NetworkNone {
		for _, p := range spec.Publish {
			port := nat.Port(fmt.Sprintf("%d/tcp", p))
			exposed[port] = struct{}{}
			// An empty HostPort lets the daemon pick a free port.
			bindings[port] = []nat.PortBinding{{HostIP: d.publishIP, HostPort: ""}}
		}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		WorkingDir:   spec.Root,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	host := &container.HostConfig{
		NetworkMode:  container.NetworkMode(spec.Limits.Network),
		PortBindings: bindings,
		Resources: container.Resources{
			Memory:   spec.Limits.MemoryBytes,
			NanoCPUs: spec.Limits.NanoCPUs,
		},
	}
	if spec.Limits.PidsLimit > 0 {
		pids := spec.Limits.PidsLimit
		host.Resources.PidsLimit = &pids
	}
	if spec.Hardened {
		host.CapDrop = []string{"ALL"}
		host.SecurityOpt = []string{"no-new-privileges"}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return Runtime{}, d.wrap(err, "create "+spec.Name)
	}
	for _, w := range resp.Warnings {
		d.log.Warn("container create warning", zap.String("name", spec.Name), zap.String("warning", w))
	}

	return Runtime{
		ID:        resp.ID,
		Name:      spec.Name,
		Root:      spec.Root,
		State:     StateProvisioning,
		Limits:    spec.Limits,
		Labels:    spec.Labels,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (d *Docker) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return d.wrap(err, "start "+id)
	}
	return nil
}

func (d *Docker) Inspect(ctx context.Context, id string) (Runtime, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Runtime{}, d.wrap(err, "inspect "+id)
	}

	rt := Runtime{
		ID:    info.ID,
		Name:  strings.TrimPrefix(info.Name, "/"),
		State: StateStopped,
		Ports: map[int]int{},
	}
	if info.State != nil && info.State.Running {
		rt.State = StateRunning
	}
	if info.Config != nil {
		rt.Root = info.Config.WorkingDir
		rt.Labels = info.Config.Labels
	}
	if info.HostConfig != nil {
		rt.Limits = Limits{
			MemoryBytes: info.HostConfig.Memory,
			NanoCPUs:    info.HostConfig.NanoCPUs,
			Network:     NetworkMode(info.HostConfig.NetworkMode),
		}
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		rt.CreatedAt = created
	}
	if info.NetworkSettings != nil {
		for port, binds := range info.NetworkSettings.Ports {
			for _, b := range binds {
				hostPort, err := strconv.Atoi(b.HostPort)
				if err != nil || hostPort == 0 {
					continue
				}
				rt.Ports[port.Int()] = hostPort
				break
			}
		}
	}
	return rt, nil
}

func (d *Docker) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return d.wrap(err, "stop "+id)
	}
	return nil
}

func (d *Docker) Kill(ctx context.Context, id string) error {
	if err := d.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		return d.wrap(err, "kill "+id)
	}
	return nil
}

// Remove force-removes a runtime. Removing an unknown runtime is not an error.
func (d *Docker) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return d.wrap(err, "remove "+id)
	}
	return nil
}

func (d *Docker) List(ctx context.Context, labels map[string]string) ([]Runtime, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, d.wrap(err, "list")
	}

	out := make([]Runtime, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		state := StateStopped
		if c.State == "running" {
			state = StateRunning
		}
		out = append(out, Runtime{
			ID:        c.ID,
			Name:      name,
			State:     state,
			Labels:    c.Labels,
			CreatedAt: time.Unix(c.Created, 0).UTC(),
		})
	}
	return out, nil
}

// Exec runs spec inside the runtime. Output is demultiplexed with stdcopy.
// When ctx is done before the process finishes the attach stream is closed
// and ctx.Err() is returned; the process itself is not waited on.
func (d *Docker) Exec(ctx context.Context, id string, spec ExecSpec) (ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkDir,
		Env:          spec.Env,
		AttachStdin:  spec.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, d.wrap(err, "exec create")
	}

	hj, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, d.wrap(err, "exec attach")
	}
	defer hj.Close()

	if spec.Stdin != nil {
		go func() {
			if _, err := io.Copy(hj.Conn, spec.Stdin); err != nil {
				d.log.Debug("exec stdin copy", zap.String("runtime", id), zap.Error(err))
			}
			_ = hj.CloseWrite()
		}()
	}

	stdout := LimitedBuffer{Limit: spec.OutputLimit}
	stderr := LimitedBuffer{Limit: spec.OutputLimit}
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, hj.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return ExecResult{}, fmt.Errorf("reading exec output: %w", err)
		}
	case <-ctx.Done():
		hj.Close()
		return ExecResult{}, ctx.Err()
	}

	insp, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, d.wrap(err, "exec inspect")
	}
	return ExecResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		ExitCode:  insp.ExitCode,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}, nil
}

func (d *Docker) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	rc, _, err := d.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		if errdefs.IsNotFound(err) && !strings.Contains(err.Error(), "No such container") {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, d.wrap(err, "copy from "+id)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("reading archive for %s: %w", path, err)
	}
	switch hdr.Typeflag {
	case tar.TypeDir:
		return nil, fmt.Errorf("%w: %s", ErrIsDir, path)
	case tar.TypeSymlink, tar.TypeLink:
		return d.catFile(ctx, id, path)
	}
	if hdr.Size > MaxReadBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", ErrTooLarge, path, hdr.Size, MaxReadBytes)
	}
	return readLimited(tr, path)
}

// readLimited reads all of r, failing with ErrTooLarge past MaxReadBytes
// rather than returning a prefix.
func readLimited(r io.Reader, path string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxReadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) > MaxReadBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, path, MaxReadBytes)
	}
	return data, nil
}

// catFile reads through links, which CopyFromContainer does not follow.
func (d *Docker) catFile(ctx context.Context, id, path string) ([]byte, error) {
	res, err := d.Exec(ctx, id, ExecSpec{Cmd: []string{"cat", "--", path}, OutputLimit: MaxReadBytes + 1})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, ClassifyPathError(string(res.Stderr), path)
	}
	if len(res.Stdout) > MaxReadBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, path, MaxReadBytes)
	}
	return res.Stdout, nil
}

func (d *Docker) WriteFile(ctx context.Context, id, path string, r io.Reader) error {
	res, err := d.Exec(ctx, id, ExecSpec{
		Cmd:   []string{"sh", "-c", writeScript, "sh", path},
		Stdin: r,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return ClassifyPathError(string(res.Stderr), path)
	}
	return nil
}

func (d *Docker) ListDir(ctx context.Context, id, dir string) ([]DirEntry, error) {
	res, err := d.Exec(ctx, id, ExecSpec{Cmd: []string{"sh", "-c", listScript, "sh", dir}})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, ClassifyPathError(string(res.Stderr), dir)
	}

	var entries []DirEntry
	sc := bufio.NewScanner(bytes.NewReader(res.Stdout))
	for sc.Scan() {
		kind, name, ok := strings.Cut(sc.Text(), "\t")
		if !ok || name == "" {
			continue
		}
		entries = append(entries, DirEntry{Name: name, IsDir: kind == "d"})
	}
	return entries, sc.Err()
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) wrap(err error, op string) error {
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// ClassifyPathError maps shell diagnostics onto the path sentinels.
func ClassifyPathError(stderr, path string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "read-only file system"):
		return fmt.Errorf("%w: %s", ErrPermission, path)
	case strings.Contains(lower, "not a directory"):
		return fmt.Errorf("%w: %s", ErrNotDir, path)
	case strings.Contains(lower, "is a directory"):
		return fmt.Errorf("%w: %s", ErrIsDir, path)
	case strings.Contains(lower, "no such file"), strings.Contains(lower, "can't cd"), strings.Contains(lower, "can't open"):
		return fmt.Errorf("%w: %s", ErrFileNotFound, path)
	default:
		return fmt.Errorf("file operation on %s failed: %s", path, msg)
	}
}
