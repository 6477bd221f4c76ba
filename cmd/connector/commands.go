package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dkeye/voicelink/internal/app/connection"
	"github.com/dkeye/voicelink/internal/domain"
)

type command struct {
	name  string
	level int
	pos   time.Duration
	path  string
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}
	c := command{name: strings.ToLower(fields[0])}
	arg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
	switch c.name {
	case "volume", "filevolume":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 || n > 100 {
			return command{}, fmt.Errorf("%s needs a level between 0 and 100", c.name)
		}
		c.level = n
	case "seek":
		secs, err := strconv.ParseFloat(arg, 64)
		if err != nil || secs < 0 {
			return command{}, fmt.Errorf("seek needs a position in seconds")
		}
		c.pos = time.Duration(secs * float64(time.Second))
	case "load":
		if arg == "" {
			return command{}, fmt.Errorf("load needs a file path")
		}
		c.path = arg
	case "mute", "play", "pause", "resume", "stop", "status", "logs", "leave", "help":
	default:
		return command{}, fmt.Errorf("unknown command %q, try help", c.name)
	}
	return c, nil
}

const usage = `commands: mute | volume N | load PATH | play | pause | resume | stop |
          seek SECONDS | filevolume N | status | logs | leave`

// apply runs one command against m. done reports that the user asked to leave.
func apply(ctx context.Context, m *connection.Machine, c command, out io.Writer) (done bool, err error) {
	switch c.name {
	case "":
	case "help":
		fmt.Fprintln(out, usage)
	case "mute":
		muted, err := m.ToggleMute()
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "muted: %v\n", muted)
	case "volume":
		return false, m.SetMicrophoneVolume(c.level)
	case "load":
		return false, m.LoadFile(ctx, c.path)
	case "play":
		return false, m.Play(ctx)
	case "pause":
		return false, m.Pause()
	case "resume":
		return false, m.Resume()
	case "stop":
		return false, m.Stop(ctx)
	case "seek":
		return false, m.Seek(c.pos)
	case "filevolume":
		return false, m.SetFileVolume(c.level)
	case "status":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return false, enc.Encode(m.State())
	case "logs":
		for _, e := range m.Logs() {
			fmt.Fprintf(out, "%s [%s] %s\n", e.Timestamp.Format(time.TimeOnly), e.Kind, e.Message)
		}
	case "leave":
		return true, nil
	}
	return false, nil
}

func describe(err error) string {
	var ae *domain.AppError
	if errors.As(err, &ae) {
		return domain.PublicMessage(err)
	}
	return err.Error()
}
