// Package workerhost spawns the child process backing a fresh
// ExtensionHost connection and supervises it via the standard gRPC
// health-checking protocol exposed over a private Unix domain socket —
// the same gRPC-over-UDS shape the control plane itself uses to reach a
// local worker process.
package workerhost

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"devagent/internal/connection"
	"devagent/internal/handshake"
	"devagent/internal/transport"
)

// ==============================================================================
// 1. Factory
// ==============================================================================

const healthCheckInterval = 15 * time.Second

// Factory spawns extension-host worker processes, one per connection
// token.
type Factory struct {
	BinPath string
	// BaseDir is where per-worker health sockets are created. Defaults to
	// os.TempDir().
	BaseDir string
	Logger  *slog.Logger
}

func (f *Factory) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func (f *Factory) baseDir() string {
	if f.BaseDir != "" {
		return f.BaseDir
	}
	return os.TempDir()
}

// Spawn starts the worker binary, wires initialBuffer as its first stdin
// input, and blocks until its health socket accepts a gRPC connection.
// It satisfies dispatcher.WorkerFactory.
func (f *Factory) Spawn(token string, t transport.FramedTransport, initialBuffer []byte, params handshake.StartParams, debugPort int) (connection.Worker, error) {
	sockPath := filepath.Join(f.baseDir(), fmt.Sprintf("devagent-%s.sock", token))
	os.Remove(sockPath)

	args := []string{"--health-socket", sockPath, "--language", params.Language}
	if debugPort != 0 {
		args = append(args, "--debug-port", strconv.Itoa(debugPort))
	}
	if params.Break {
		args = append(args, "--break")
	}

	cmd := exec.Command(f.BinPath, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("workerhost: stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("workerhost: spawn %s: %w", f.BinPath, err)
	}

	if len(initialBuffer) > 0 {
		if _, err := stdin.Write(initialBuffer); err != nil {
			f.logger().Warn("workerhost: failed writing initial buffer", slog.String("token", token), slog.String("error", err.Error()))
		}
	}

	grpcConn, err := dialHealthSocket(sockPath)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("workerhost: health dial: %w", err)
	}

	p := &process{
		token:    token,
		cmd:      cmd,
		stdin:    stdin,
		grpcConn: grpcConn,
		sockPath: sockPath,
		logger:   f.logger(),
		dead:     make(chan struct{}),
	}
	go p.watchHealth()
	return p, nil
}

func dialHealthSocket(sockPath string) (*grpc.ClientConn, error) {
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, "unix", addr)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return grpc.DialContext(ctx, sockPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
		grpc.WithBlock(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// ==============================================================================
// 2. process — a live worker, satisfying connection.Worker
// ==============================================================================

type process struct {
	token    string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	grpcConn *grpc.ClientConn
	sockPath string
	logger   *slog.Logger
	dead     chan struct{}
}

// watchHealth polls the standard gRPC health-checking protocol and exits
// the moment a check fails, fails to connect, or reports not-serving —
// Close is still the only thing that tears the process down; a failed
// health check just stops polling.
func (p *process) watchHealth() {
	defer close(p.dead)
	client := grpc_health_v1.NewHealthClient(p.grpcConn)
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
		cancel()
		if err != nil || resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			p.logger.Warn("extension host failed health check", slog.String("token", p.token))
			return
		}
	}
}

func (p *process) Close() error {
	if p.grpcConn != nil {
		p.grpcConn.Close()
	}
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	os.Remove(p.sockPath)
	return p.cmd.Wait()
}
