package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// Exec runs an external command for every utterance. The command receives a
// JSON request on stdin and signals completion by exiting; a non-zero exit
// status is an utterance error.
type Exec struct {
	cmd       []string
	voicesCmd []string
	mu        sync.Mutex
}

// killWaitDelay bounds how long Speak waits for output pipes to close after
// the command was killed.
const killWaitDelay = 500 * time.Millisecond

type execRequest struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice"`
	Rate   float64 `json:"rate"`
	Volume float64 `json:"volume"`
}

type execVoice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Lang string `json:"lang"`
}

func NewExec(command, voicesCommand string) (*Exec, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	e := &Exec{cmd: args}
	if strings.TrimSpace(voicesCommand) != "" {
		voiceArgs, err := parseCommand(voicesCommand)
		if err != nil {
			return nil, fmt.Errorf("parse voices command: %w", err)
		}
		e.voicesCmd = voiceArgs
	}
	return e, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	return parser.Parse(command)
}

func (e *Exec) Speak(ctx context.Context, u Utterance) error {
	if strings.TrimSpace(u.Text) == "" {
		return ErrEmptyUtterance
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{Text: u.Text, Voice: u.Voice, Rate: u.Rate, Volume: u.Volume})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	killProcessGroup(cmd)
	cmd.WaitDelay = killWaitDelay
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("engine command: %w: %s", err, msg)
		}
		return fmt.Errorf("engine command: %w", err)
	}
	return nil
}

// Voices runs the voices command, which prints one JSON voice per line.
// Without a voices command the engine reports no voices.
func (e *Exec) Voices(ctx context.Context) ([]Voice, error) {
	if len(e.voicesCmd) == 0 {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, e.voicesCmd[0], e.voicesCmd[1:]...)
	killProcessGroup(cmd)
	cmd.WaitDelay = killWaitDelay
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("voices command: %w", err)
	}

	var voices []Voice
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var v execVoice
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("decode voice: %w", err)
		}
		if v.ID == "" {
			v.ID = v.Name
		}
		voices = append(voices, Voice{ID: v.ID, Name: v.Name, Lang: v.Lang})
	}
	return voices, scanner.Err()
}
