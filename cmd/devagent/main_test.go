package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devagent/internal/config"
	"devagent/internal/portprobe"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_ServesHealthzAndShutsDownOnSIGTERM(t *testing.T) {
	logger := discardLogger()
	port, err := portprobe.Resolve(18000, logger)
	require.NoError(t, err)

	cfg := &config.Config{
		Environment:     "development",
		Port:            port,
		ConnectionToken: "test-token",
	}

	exitCode := make(chan int, 1)
	go func() { exitCode <- run(cfg, logger) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case code := <-exitCode:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("run never returned after SIGTERM")
	}
}
