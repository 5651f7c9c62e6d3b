package follower

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
)

const consoleHelp = `commands:
  play          start playback for everyone
  pause         pause playback
  seek SECONDS  jump to a position
  track ID      switch to a track
  next          skip to the next track
  status        show the local mirror
  quit          leave`

// command is one parsed console line.
type command struct {
	gesture *Gesture
	status  bool
	help    bool
	quit    bool
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}

	gesture := func(g Gesture) (command, error) { return command{gesture: &g}, nil }
	switch strings.ToLower(fields[0]) {
	case "play", "p":
		return gesture(PlayGesture())
	case "pause":
		return gesture(PauseGesture())
	case "seek", "s":
		if len(fields) != 2 {
			return command{}, errors.New("usage: seek SECONDS")
		}
		pos, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || pos < 0 {
			return command{}, fmt.Errorf("invalid position %q", fields[1])
		}
		return gesture(SeekGesture(pos))
	case "track", "t":
		if len(fields) != 2 {
			return command{}, errors.New("usage: track ID")
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return command{}, fmt.Errorf("invalid track id %q", fields[1])
		}
		return gesture(SelectGesture(id))
	case "next", "n":
		return gesture(TrackEndedGesture())
	case "status", "st":
		return command{status: true}, nil
	case "help", "?":
		return command{help: true}, nil
	case "quit", "exit", "q":
		return command{quit: true}, nil
	}
	return command{}, fmt.Errorf("unknown command %q, try help", fields[0])
}

// FormatStatus renders s on one line.
func FormatStatus(s Status) string {
	state := "paused"
	if s.Mirror.IsPlaying {
		state = "playing"
	}
	loaded := "nothing loaded"
	if s.Loaded.Valid {
		loaded = fmt.Sprintf("loaded %d", s.Loaded.ID)
	}
	return fmt.Sprintf("[%s] track %s %s @ %.1fs (local %.1fs, %s, v%d)",
		s.Phase, s.Mirror.CurrentTrackID, state, s.Mirror.Position, s.Position, loaded, s.Mirror.Version)
}

// Console is the follower's interactive prompt.
type Console struct {
	engine *Engine
	rl     *readline.Instance
}

// NewConsole creates a prompt driving engine.
func NewConsole(engine *Engine) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt: "syncfm> ",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("play"),
			readline.PcItem("pause"),
			readline.PcItem("seek"),
			readline.PcItem("track"),
			readline.PcItem("next"),
			readline.PcItem("status"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, fmt.Errorf("init readline: %w", err)
	}
	return &Console{engine: engine, rl: rl}, nil
}

// Stdout is a writer that does not garble the prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Close releases the terminal.
func (c *Console) Close() error {
	return c.rl.Close()
}

// Run reads commands until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	out := c.rl.Stdout()
	fmt.Fprintln(out, consoleHelp)
	for ctx.Err() == nil {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		cmd, err := parseCommand(line)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		switch {
		case cmd.quit:
			return nil
		case cmd.help:
			fmt.Fprintln(out, consoleHelp)
		case cmd.status:
			fmt.Fprintln(out, FormatStatus(c.engine.Status()))
		case cmd.gesture != nil:
			ok, err := c.engine.Gesture(ctx, *cmd.gesture)
			switch {
			case err != nil:
				fmt.Fprintln(out, "not sent:", err)
			case !ok:
				fmt.Fprintln(out, "busy syncing, try again")
			}
		}
	}
	return ctx.Err()
}
