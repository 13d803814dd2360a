package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-reader/internal/bus"
	"github.com/loqalabs/loqa-reader/internal/config"
	"github.com/loqalabs/loqa-reader/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "expected one of: select, start, stop, state, voices, prefs, history, watch, version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	if err := run(os.Args[1], os.Args[2:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var rejected rejectedError
		if errors.As(err, &rejected) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

// rejectedError is a well-formed command the Coordinator or Driver refused.
type rejectedError string

func (e rejectedError) Error() string { return string(e) }

func run(command string, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	var (
		configPath string
		servers    string
		verbose    bool
		voice      string
		rate       float64
		limit      int
		count      int
	)
	fs.StringVar(&configPath, "config", "", "Path to configuration file (defaults when empty)")
	fs.StringVar(&servers, "servers", "", "Comma separated NATS servers, overrides the config")
	fs.BoolVar(&verbose, "v", false, "Log bus activity to stderr")
	if command == "prefs" {
		fs.StringVar(&voice, "voice", "", "Voice identifier to select")
		fs.Float64Var(&rate, "rate", 0, "Speech rate to select")
	}
	if command == "history" {
		fs.IntVar(&limit, "limit", 0, "Maximum number of events to show (server default when 0)")
	}
	if command == "watch" {
		fs.IntVar(&count, "count", 0, "Exit after this many state updates (0 runs until interrupted)")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		subject string
		payload any = struct{}{}
	)
	switch command {
	case "select", "start":
		text, err := readText(fs.Args(), stdin)
		if err != nil {
			return err
		}
		if command == "select" {
			subject, payload = protocol.SubjectSelection, protocol.SelectionRequest{Text: text}
		} else {
			subject, payload = protocol.SubjectStart, protocol.StartRequest{Text: text}
		}
	case "stop":
		subject = protocol.SubjectStop
	case "state":
		subject = protocol.SubjectStateGet
	case "voices":
		subject = protocol.SubjectVoices
	case "prefs":
		update := protocol.PreferencesUpdate{}
		if voice != "" {
			update.Voice = &voice
		}
		if rate != 0 {
			update.Rate = &rate
		}
		subject, payload = protocol.SubjectPreferences, update
	case "history":
		if fs.NArg() > 1 {
			return errors.New("history takes at most one session id")
		}
		subject, payload = protocol.SubjectHistory, protocol.HistoryRequest{SessionID: fs.Arg(0), Limit: limit}
	case "watch":
	default:
		return fmt.Errorf("unknown command %q; %s", command, usage)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if servers != "" {
		cfg.Bus.Servers = strings.Split(servers, ",")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	base := context.Background()
	if command == "watch" {
		var stop context.CancelFunc
		base, stop = signal.NotifyContext(base, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}
	ctx, cancel := context.WithTimeout(base, 10*time.Second)
	defer cancel()

	client, err := bus.Connect(ctx, cfg.Bus, "loqa-readctl", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	if command == "watch" {
		return watchStates(base, client, stdout, count)
	}

	var reply protocol.Reply
	if err := client.Request(ctx, subject, payload, &reply); err != nil {
		return err
	}
	if command == "stop" {
		delivery, err := client.Publish(protocol.SubjectDriverStop, struct{}{})
		if err != nil {
			return err
		}
		logger.Debug("driver stop signalled", slog.String("delivery", delivery.String()))
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reply); err != nil {
		return err
	}
	if !reply.OK {
		return rejectedError(reply.Error)
	}
	return nil
}

// watchStates prints every broadcast state as a JSON line until ctx ends or
// count updates were seen.
func watchStates(ctx context.Context, client *bus.Client, out io.Writer, count int) error {
	updates := make(chan protocol.State, 64)
	sub, err := client.Listen(protocol.SubjectStateUpdate, func(msg *nats.Msg) {
		var state protocol.State
		if err := json.Unmarshal(msg.Data, &state); err != nil {
			return
		}
		select {
		case updates <- state:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	enc := json.NewEncoder(out)
	for seen := 0; count <= 0 || seen < count; seen++ {
		select {
		case <-ctx.Done():
			return nil
		case state := <-updates:
			if err := enc.Encode(state); err != nil {
				return err
			}
		}
	}
	return nil
}

// readText joins the positional arguments. A lone "-" reads the text from stdin.
func readText(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	return strings.Join(args, " "), nil
}
