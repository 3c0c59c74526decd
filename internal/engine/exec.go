package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/shrimpsizemoose/trekker/logger"
)

// ExecEngine drives a grading engine through a helper command (typically
// a thin nbgrader wrapper). The command is invoked as
//
//	<command> <subcommand> <exercise> [student]
//
// with the course directory in COURSE_DIRECTORY, and must print a JSON
// document on stdout:
//
//	generated: {"generated": bool}
//	generate:  {}
//	autograde: {"success": bool, "points": {"<cell_id>": int}, "error": "..."}
type ExecEngine struct {
	Command   string
	CourseDir string
}

func NewExecEngine(command, courseDir string) *ExecEngine {
	return &ExecEngine{Command: command, CourseDir: courseDir}
}

func (e *ExecEngine) run(ctx context.Context, out interface{}, args ...string) error {
	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Env = append(cmd.Environ(), "COURSE_DIRECTORY="+e.CourseDir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug.Printf("Running engine command: %s %v", e.Command, args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("engine %v failed: %w: %s", args, err, stderr.String())
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return fmt.Errorf("engine %v produced unparseable output: %w", args, err)
	}
	return nil
}

func (e *ExecEngine) Generated(ctx context.Context, exercise string) (bool, error) {
	var rsp struct {
		Generated bool `json:"generated"`
	}
	if err := e.run(ctx, &rsp, "generated", exercise); err != nil {
		return false, err
	}
	return rsp.Generated, nil
}

func (e *ExecEngine) Generate(ctx context.Context, exercise string) error {
	return e.run(ctx, nil, "generate", exercise)
}

func (e *ExecEngine) Autograde(ctx context.Context, exercise, student string) (map[string]int, error) {
	var rsp struct {
		Success bool           `json:"success"`
		Points  map[string]int `json:"points"`
		Error   string         `json:"error"`
	}
	if err := e.run(ctx, &rsp, "autograde", exercise, student); err != nil {
		return nil, err
	}
	if !rsp.Success {
		return nil, fmt.Errorf("engine reported grading failure: %s", rsp.Error)
	}
	return rsp.Points, nil
}
