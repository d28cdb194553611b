package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Exec translates by running a local command such as an argos-translate
// wrapper. The request is written to stdin as JSON and the command prints
// {"text": "..."} on stdout.
type Exec struct {
	cmd []string
}

type execRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type execResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func NewExec(command string) (*Exec, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translation command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("translation command empty")
	}
	return &Exec{cmd: args}, nil
}

func (e *Exec) Translate(ctx context.Context, text, from, to string) (string, error) {
	input, err := json.Marshal(execRequest{Text: text, Source: from, Target: to})
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("translation command failed: %w: %s", err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode translation response: %w", err)
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return strings.TrimSpace(resp.Text), nil
}
