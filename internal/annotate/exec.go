package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/versofon/verso-core/internal/protocol"
)

type execAnnotator struct {
	cmd []string
	mu  sync.Mutex
}

func NewExecAnnotator(command string) (Annotator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse annotate command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("annotate command empty")
	}
	return &execAnnotator{cmd: args}, nil
}

func (a *execAnnotator) Annotate(ctx context.Context, text string) ([]protocol.Line, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	input, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}

	base := a.cmd[0]
	args := append([]string{}, a.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("annotate command failed: %w", err)
	}
	return parseLines(string(output))
}
