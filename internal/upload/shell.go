package upload

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/switchboard/internal/switchboard"
)

// alreadyRunningExitCode is the well-known exit status the external upload
// helper uses to signal that another upload is already in progress for this
// stream (spec §6/§8, scenario S5).
const alreadyRunningExitCode = 251

// ShellBackend invokes an external executable to perform the actual blob
// upload, mirroring the janus-style recorder/upload split: this module owns
// RTP routing and recording, an opaque helper process owns turning sink
// files into blob-storage artifacts. Grounded on the teacher pack's
// exec.CommandContext shell-hook idiom.
type ShellBackend struct {
	name    string
	command string
	args    []string
	timeout time.Duration
	log     *zap.Logger
}

// NewShellBackend creates a shell-exec backend registered under name,
// invoking command with args prepended before [streamID, name, bucket] and a
// per-invocation timeout. A nil logger is replaced with a no-op logger.
func NewShellBackend(name, command string, args []string, timeout time.Duration, log *zap.Logger) *ShellBackend {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ShellBackend{name: name, command: command, args: args, timeout: timeout, log: log}
}

func (b *ShellBackend) Name() string { return b.name }

// Upload runs the configured helper with arguments [streamID, backend name,
// bucket], scoped to recordsDir via the UPLOAD_RECORDS_DIR environment
// variable. Exit code 251 is treated as AlreadyRunning, not an error; any
// other non-zero exit is ExternalFailure. On success, the helper's stdout is
// read line by line as the list of final artifact URIs (one per non-empty
// line) — the manifest the teacher's recorder calls dumps.txt.
func (b *ShellBackend) Upload(ctx context.Context, streamID, bucket, recordsDir string) (Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	args := append(append([]string{}, b.args...), streamID, b.name, bucket)
	cmd := exec.CommandContext(execCtx, b.command, args...)
	cmd.Env = append(os.Environ(),
		"UPLOAD_RECORDS_DIR="+recordsDir,
		"UPLOAD_STREAM_ID="+streamID,
		"UPLOAD_BUCKET="+bucket,
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == alreadyRunningExitCode {
			b.log.Info("upload helper reports already running", zap.String("stream_id", streamID), zap.String("backend", b.name))
			return Result{AlreadyRunning: true}, nil
		}
		return Result{}, &switchboard.Error{
			Kind: switchboard.KindExternalFailure,
			Op:   "upload.shell",
			Err:  fmt.Errorf("helper exited: %w (stderr: %s)", err, strings.TrimSpace(stderr.String())),
		}
	}

	uris := make([]string, 0)
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			uris = append(uris, line)
		}
	}

	manifest := filepath.Join(recordsDir, "dumps.txt")
	if len(uris) == 0 {
		if f, err := os.Open(manifest); err == nil {
			defer f.Close()
			ms := bufio.NewScanner(f)
			for ms.Scan() {
				line := strings.TrimSpace(ms.Text())
				if line != "" {
					uris = append(uris, line)
				}
			}
		}
	}

	return Result{DumpsURIs: uris}, nil
}
