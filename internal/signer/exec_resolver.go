package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// ExecResolver answers signer queries by running a local signer executable.
// The request {"uri": ..., "args": [...]} is written to stdin and the process
// prints either one JSON row object or an array of rows.
type ExecResolver struct {
	Path string
	Args []string
}

type execRequest struct {
	URI  string   `json:"uri"`
	Args []string `json:"args"`
}

// Query implements Resolver
func (r *ExecResolver) Query(ctx context.Context, uri string, args []string) ([]Row, error) {
	if r.Path == "" {
		return nil, fmt.Errorf("signer executable not configured")
	}

	input, err := json.Marshal(execRequest{URI: uri, Args: args})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, r.Path, r.Args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", r.Path, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", r.Path, err)
	}

	return decodeRows(stdout.Bytes())
}

func decodeRows(out []byte) ([]Row, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	if out[0] == '[' {
		var rows []Row
		if err := json.Unmarshal(out, &rows); err != nil {
			return nil, fmt.Errorf("invalid signer output: %w", err)
		}
		return rows, nil
	}
	var row Row
	if err := json.Unmarshal(out, &row); err != nil {
		return nil, fmt.Errorf("invalid signer output: %w", err)
	}
	return []Row{row}, nil
}
