// Package upload finalizes a stopped recording into a durable blob-storage
// artifact. A stream's two sink files (<records_root>/<stream_id>/<start>.audio,
// .video) are handed to one of several interchangeable Backend
// implementations, selected by name from `upload.backends` config (spec §6).
package upload

import (
	"context"
	"fmt"

	"github.com/flowmesh/switchboard/internal/switchboard"
)

// Result is the outcome of a successful (possibly already-running) upload
// attempt.
type Result struct {
	// AlreadyRunning is true when the backend reported that another upload
	// for this stream is already in flight. Per spec this is a non-fatal
	// status, not an error: the control handler returns it as
	// {id, state: "already_running"}.
	AlreadyRunning bool
	// DumpsURIs enumerates the final artifact locations the backend reports:
	// one per uploaded sink file for S3Backend, one per non-empty line of
	// the helper's output (or of dumps.txt) for ShellBackend.
	DumpsURIs []string
}

// Backend uploads the recorded sinks for one stream to blob storage.
// recordsDir is the stream's own directory, e.g.
// <records_root>/<stream_id>/; implementations look for the
// <start_time_ms>.audio and .video files within it.
type Backend interface {
	Name() string
	Upload(ctx context.Context, streamID, bucket, recordsDir string) (Result, error)
}

// Registry resolves a backend by the name given in `upload.backends` config
// and in the stream-upload request body.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry builds a Registry from a set of configured backends. Passing
// two backends with the same Name overwrites the earlier one.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Name()] = b
	}
	return r
}

// Resolve looks up a backend by name. An unknown name is an InvalidArgument,
// matching spec §7's "unknown upload backend" case.
func (r *Registry) Resolve(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, &switchboard.Error{Kind: switchboard.KindInvalidArgument, Op: "upload.resolve", Err: fmt.Errorf("unknown upload backend %q", name)}
	}
	return b, nil
}

// Names lists the configured backend names, in the order they were
// registered when the map has a single entry; for diagnostics only.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
