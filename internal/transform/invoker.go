// Package transform invokes the external transformer subprocess that turns
// an entity reference into an enriched profile snapshot.
//
// The subprocess contract: the transformer is run once per attempt as
//
//	<bin> <script> --entity-id <id> --json [--testing]
//
// with JOB_ID and JOB_ATTEMPT in the environment. It must print exactly one
// JSON object on stdout and exit 0. Everything else is a failure, classified
// into retryable (timeout, signal, generic) and non-retryable (output parse)
// errors.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/profilekit/enrichd/internal/breaker"
	"github.com/profilekit/enrichd/internal/config"
	"github.com/profilekit/enrichd/pkg/models"
)

// Sentinel errors for failure classification. ErrOutputParse is permanent:
// retrying cannot fix a broken output contract.
var (
	ErrTimeout     = errors.New("transform timeout")
	ErrSignal      = errors.New("transform killed by signal")
	ErrOutputParse = errors.New("transform output parse failure")
)

// Result is one successful transformation.
type Result struct {
	Snapshot   models.ProfileSnapshot
	DurationMs int64
}

// Invoker runs the external transformer for a job attempt.
type Invoker interface {
	Run(ctx context.Context, job *models.Job, attempt int) (*Result, error)
}

// Subprocess implements Invoker by spawning one process per call.
type Subprocess struct {
	cfg config.TransformConfig
}

// NewSubprocess creates a subprocess invoker.
func NewSubprocess(cfg config.TransformConfig) *Subprocess {
	return &Subprocess{cfg: cfg}
}

func (s *Subprocess) Run(ctx context.Context, job *models.Job, attempt int) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	args := []string{s.cfg.Script, "--entity-id", job.EntityID, "--json"}
	if s.cfg.Testing {
		args = append(args, "--testing")
	}

	// CommandContext force-kills the process when the deadline hits.
	cmd := exec.CommandContext(runCtx, s.cfg.Bin, args...)
	cmd.Env = append(os.Environ(),
		"JOB_ID="+job.ID.String(),
		"JOB_ATTEMPT="+strconv.Itoa(attempt),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	if runErr != nil {
		return nil, classifyRunError(runCtx, runErr, stderr.String())
	}

	snapshot, err := parseOutput(stdout.Bytes())
	if err != nil {
		return nil, breaker.Permanent(fmt.Errorf("%w: %v", ErrOutputParse, err))
	}

	return &Result{Snapshot: snapshot, DurationMs: durationMs}, nil
}

// classifyRunError maps a subprocess failure onto the retry taxonomy.
func classifyRunError(ctx context.Context, runErr error, stderr string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after hard limit: %s", ErrTimeout, firstLine(stderr))
	}

	combined := strings.ToLower(runErr.Error() + " " + stderr)
	switch {
	case strings.Contains(combined, "timeout"), strings.Contains(combined, "timed out"):
		return fmt.Errorf("%w: %s", ErrTimeout, firstLine(stderr))
	case strings.Contains(combined, "signal"), strings.Contains(combined, "killed"):
		return fmt.Errorf("%w: %s", ErrSignal, firstLine(stderr))
	default:
		return fmt.Errorf("transform failed: %v: %s", runErr, firstLine(stderr))
	}
}

// parseOutput enforces the exactly-one-JSON-object stdout contract.
func parseOutput(out []byte) (models.ProfileSnapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(out))
	var doc json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding stdout: %w", err)
	}
	if dec.More() {
		return nil, errors.New("stdout contains more than one JSON document")
	}
	return models.ParseSnapshot(doc)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}

// Compile-time check that Subprocess implements Invoker.
var _ Invoker = (*Subprocess)(nil)
