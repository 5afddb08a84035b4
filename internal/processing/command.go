package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ExitTempFail is the exit status a command uses to report a transient failure.
const ExitTempFail = 75

// Command runs an external program per product. The request is written to stdin as JSON
// and the program prints a Result as JSON on stdout.
type Command struct {
	// Commands maps product ids to argv; Default is used for the rest.
	Commands map[string][]string
	Default  []string
	// Jobs maps job names (plot, qc, housekeeping) to argv.
	Jobs    map[string][]string
	Timeout time.Duration
	Env     []string
	Logger  *slog.Logger
}

var (
	_ Collaborator = (*Command)(nil)
	_ JobRunner    = (*Command)(nil)
)

type errorEnvelope struct {
	Error *Error `json:"error"`
}

func (c *Command) Process(ctx context.Context, req Request) (Result, error) {
	argv := c.Commands[req.Fingerprint.Product]
	if len(argv) == 0 {
		argv = c.Default
	}
	if len(argv) == 0 {
		return Result{}, Fatal("no processing command configured for "+req.Fingerprint.Product, nil)
	}
	out, err := c.run(ctx, argv, req)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := json.Unmarshal(out, &res); err != nil {
		return Result{}, Fatal("invalid collaborator output", err)
	}
	if res.Path == "" {
		return Result{}, Fatal("collaborator returned no artifact path", nil)
	}
	return res, nil
}

func (c *Command) RunJob(ctx context.Context, req JobRequest) error {
	argv := c.Jobs[string(req.Job)]
	if len(argv) == 0 {
		return Fatal("no command configured for job "+string(req.Job), nil)
	}
	_, err := c.run(ctx, argv, req)
	return err
}

func (c *Command) run(ctx context.Context, argv []string, payload any) ([]byte, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	in, err := json.Marshal(payload)
	if err != nil {
		return nil, Fatal("encode request", err)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Env = append(os.Environ(), c.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	start := time.Now()
	err = cmd.Run()
	if c.Logger != nil {
		c.Logger.Debug("collaborator finished", "command", argv[0], "duration", time.Since(start), "error", err)
	}
	if err == nil {
		return stdout.Bytes(), nil
	}
	if ctx.Err() != nil {
		return nil, Retryable("collaborator timed out", ctx.Err())
	}
	var env errorEnvelope
	if json.Unmarshal(stdout.Bytes(), &env) == nil && env.Error != nil && env.Error.Kind != "" {
		return nil, env.Error
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = argv[0] + " failed"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == ExitTempFail {
			return nil, Retryable(msg, err)
		}
		return nil, Fatal(msg, err)
	}
	// The program could not be started at all.
	return nil, Fatal(fmt.Sprintf("start %s", argv[0]), err)
}
