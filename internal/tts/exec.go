package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external command per request. The command reads one JSON
// request on stdin and writes JSON lines carrying base64 audio on stdout.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	format     string
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Final       bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int, format string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels, format: format}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)

		e.mu.Lock()
		defer e.mu.Unlock()

		data, err := json.Marshal(execRequest{
			Text:       req.Text,
			Voice:      req.Voice,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
			Format:     e.format,
		})
		if err != nil {
			errs <- err
			return
		}

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		cmd.Stdin = bytes.NewReader(data)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start tts command: %w", err)
			return
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
		sequence := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- fmt.Errorf("decode tts output: %w", err)
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return
			}
			audio, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
			if err != nil {
				errs <- fmt.Errorf("decode tts audio: %w", err)
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return
			}
			select {
			case schunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   sequence,
				SampleRate: e.sampleRate,
				Channels:   e.channels,
				Audio:      audio,
				Final:      resp.Final,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				_ = cmd.Wait()
				return
			}
			sequence++
		}
		scanErr := scanner.Err()
		if err := cmd.Wait(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
			errs <- fmt.Errorf("tts command: %w", err)
			return
		}
		if scanErr != nil {
			errs <- scanErr
		}
	}()
	return schunks, errs
}
