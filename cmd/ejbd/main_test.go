// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ejbd-project/ejbd/lib/process"
	"github.com/ejbd-project/ejbd/lib/testutil"
)

// syncBuffer is written by the server's logger while the test reads it.
type syncBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

func exitCode(err error) int {
	var exitErr *process.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 0
}

func TestUsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{"--no-such-flag"},
		{"serve"},
		{"--log-level", "loud"},
	} {
		var stdout, stderr bytes.Buffer
		err := run(context.Background(), args, &stdout, &stderr)
		if code := exitCode(err); code != 2 {
			t.Errorf("run(%q) = %v (exit %d), want exit 2", args, err, code)
		}
	}

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"--help"}, &stdout, &stderr); err != nil {
		t.Errorf("--help: %v", err)
	}
	if !strings.Contains(stderr.String(), "--config") {
		t.Errorf("--help output = %q", stderr.String())
	}
}

func TestVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"--version"}, &stdout, &stderr); err != nil {
		t.Fatalf("--version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "ejbd ") {
		t.Errorf("--version output = %q", stdout.String())
	}
}

func TestMissingConfiguration(t *testing.T) {
	t.Setenv("EJBD_CONFIG", "")
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), nil, &stdout, &stderr)
	if err == nil || exitCode(err) != 0 {
		t.Errorf("run without configuration = %v", err)
	}
	err = run(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, &stdout, &stderr)
	if err == nil {
		t.Error("run with a missing configuration file succeeded")
	}
}

var metricsAddress = regexp.MustCompile(`msg="serving metrics" address=(\S+)`)

func TestServeMetrics(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ejbd.yaml")
	content := "server:\n  address: 127.0.0.1:0\n" +
		"security:\n  state_dir: " + filepath.Join(dir, "state") + "\n" +
		"metrics:\n  address: 127.0.0.1:0\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout bytes.Buffer
	var stderr syncBuffer
	errs := make(chan error, 1)
	go func() { errs <- run(ctx, []string{"--config", path, "--no-admin"}, &stdout, &stderr) }()

	var address string
	deadline := time.Now().Add(10 * time.Second)
	for address == "" {
		if match := metricsAddress.FindStringSubmatch(stderr.String()); match != nil {
			address = match[1]
			break
		}
		select {
		case err := <-errs:
			t.Fatalf("run exited early: %v\n%s", err, stderr.String())
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics never served:\n%s", stderr.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	response, err := http.Get("http://" + address + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	if err != nil || response.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics = %d, %v", response.StatusCode, err)
	}
	for _, metric := range []string{"ejbd_connections_active", "go_goroutines"} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("/metrics does not expose %s", metric)
		}
	}

	cancel()
	if err := testutil.RequireReceive(t, (<-chan error)(errs), 10*time.Second, "run to return after cancel"); err != nil {
		t.Errorf("run: %v", err)
	}
	if !strings.Contains(stderr.String(), "shutting down") {
		t.Errorf("no shutdown logged:\n%s", stderr.String())
	}
}
