// Command voxloop is a terminal client for realtime voice conversations.
//
// Usage:
//
//	go run ./cmd/voxloop
//
// Environment variables:
//
//	OPENAI_API_KEY - Required
//	VOXLOOP_*      - Optional overrides, see internal/config
//
// Commands:
//
//	/start          Start listening on the microphone
//	/stop           Stop listening
//	/say <text>     Send a text instruction and request a spoken reply
//	/clear          Clear the transcript
//	/restart        Tear down and reconnect the whole session
//	/status         Print connection state and rate limits
//	/quit           Exit
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/realtime"
	"github.com/voxloop/voxloop/pkg/session"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "voxloop:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "voxloop:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	codec := audio.NewCodec(logger.Named("codec"))
	mic := audio.NewCapture(audio.CaptureConfig{ChunkInterval: cfg.ChunkInterval}, logger.Named("capture"))
	speaker, err := audio.NewPlayback(logger.Named("playback"))
	if err != nil {
		return fmt.Errorf("init playback: %w", err)
	}

	ctrl := session.New(codec, mic, speaker, logger.Named("session"))
	newClient := func() session.Realtime {
		return realtime.NewClient(realtime.ClientConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Session: cfg.SessionOptions(),
		}, ctrl.Hooks(), logger.Named("realtime"))
	}
	client := newClient()
	ctrl.Bind(client)
	ctrl.SetClientFactory(newClient)

	var printMu sync.Mutex
	printed := 0
	ctrl.OnUpdate(func() {
		printMu.Lock()
		defer printMu.Unlock()
		msgs := ctrl.Messages()
		if len(msgs) < printed {
			printed = 0
		}
		for printed < len(msgs) {
			m := msgs[printed]
			if m.Streaming {
				return
			}
			fmt.Printf("[%s] %s\n", m.Role, m.Content)
			printed++
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer ctrl.Shutdown()

	fmt.Println("voxloop ready. Commands: /start /stop /say <text> /clear /restart /quit")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleCommand(ctx, ctrl, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleCommand(ctx context.Context, ctrl *session.Controller, input string) bool {
	switch {
	case input == "":
	case input == "/quit" || input == "q":
		return true
	case input == "/start":
		if err := ctrl.Start(); err != nil {
			fmt.Println("[ERROR]", err)
		} else {
			fmt.Println("Listening...")
		}
	case input == "/stop":
		ctrl.Stop()
		fmt.Println("Stopped listening.")
	case input == "/clear":
		ctrl.Clear()
		fmt.Println("Transcript cleared.")
	case input == "/restart":
		if err := ctrl.Restart(ctx); err != nil {
			fmt.Println("[ERROR]", err)
		} else {
			fmt.Println("Session restarted.")
		}
	case strings.HasPrefix(input, "/say "):
		text := strings.TrimSpace(strings.TrimPrefix(input, "/say "))
		if text == "" {
			fmt.Println("[INFO] Usage: /say <text>")
			break
		}
		if err := ctrl.Say(text); err != nil {
			fmt.Println("[ERROR]", err)
		}
	case input == "/status":
		printStatus(ctrl)
	default:
		fmt.Println("[INFO] Commands: /start /stop /say <text> /clear /restart /status /quit")
	}
	return false
}

func printStatus(ctrl *session.Controller) {
	fmt.Printf("status=%s recording=%v messages=%d\n",
		ctrl.Status(), ctrl.Recording(), len(ctrl.Messages()))
	if lastErr := ctrl.LastError(); lastErr != "" {
		fmt.Println("last error:", lastErr)
	}
	for _, rl := range ctrl.RateLimits() {
		fmt.Printf("rate limit %s: %d/%d (resets in %.0fs)\n",
			rl.Name, rl.Remaining, rl.Limit, rl.ResetSeconds)
	}
}

// newLogger builds a console logger when stderr is a terminal, JSON
// otherwise. Logs go to stderr so they never interleave with the prompt.
func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(strings.ToLower(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return cfg.Build()
}
