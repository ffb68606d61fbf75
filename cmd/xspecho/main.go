// Command xspecho dials a WebSocket server and echoes back every text or
// binary message it receives, exercising the loop/handler/transport/
// defragmenter stack end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/tzrikka/xsp/internal/logger"
	"github.com/tzrikka/xsp/pkg/loop"
	"github.com/tzrikka/xsp/pkg/loopevents"
	"github.com/tzrikka/xsp/pkg/websocket"
	"github.com/tzrikka/xdg"
)

const (
	configDirName  = "xsp"
	configFileName = "config.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:      "xspecho",
		Usage:     "dial a WebSocket server and echo back received messages",
		Version:   bi.Main.Version,
		Flags:     flags(),
		ArgsUsage: "<ws-url>",
		Action:    run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	path := configFile()

	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
		&cli.IntFlag{
			Name:  "poll-timeout-ms",
			Usage: "event loop readiness-poll timeout, in milliseconds",
			Value: loop.DefaultConfig.PollTimeoutMS,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("XSP_POLL_TIMEOUT_MS"),
				toml.TOML("xspecho.poll_timeout_ms", path),
			),
		},
		&cli.IntFlag{
			Name:  "max-frame-read-size",
			Usage: "maximum payload size of a single incoming frame, in bytes",
			Value: websocket.DefaultConfig.MaxFrameReadSize,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("XSP_MAX_FRAME_READ_SIZE"),
				toml.TOML("xspecho.max_frame_read_size", path),
			),
		},
		&cli.IntFlag{
			Name:  "max-data-frame-write-size",
			Usage: "maximum payload size of a single outgoing data frame, in bytes",
			Value: websocket.DefaultConfig.MaxDataFrameWriteSize,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("XSP_MAX_DATA_FRAME_WRITE_SIZE"),
				toml.TOML("xspecho.max_data_frame_write_size", path),
			),
		},
		&cli.IntFlag{
			Name:  "max-message-size",
			Usage: "maximum defragmented message size, in bytes",
			Value: 65536,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("XSP_MAX_MESSAGE_SIZE"),
				toml.TOML("xspecho.max_message_size", path),
			),
		},
		&cli.IntFlag{
			Name:  "read-timeout-ms",
			Usage: "per-read timeout on the WebSocket transport, in milliseconds (0 = none)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("XSP_READ_TIMEOUT_MS"),
				toml.TOML("xspecho.read_timeout_ms", path),
			),
		},
		&cli.IntFlag{
			Name:  "write-timeout-ms",
			Usage: "per-write timeout on the WebSocket transport, in milliseconds (0 = none)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("XSP_WRITE_TIMEOUT_MS"),
				toml.TOML("xspecho.write_timeout_ms", path),
			),
		},
		&cli.IntFlag{
			Name:  "queue-slot-bytes",
			Usage: "fixed size of one task-queue slot, in bytes",
			Value: 256,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("XSP_QUEUE_SLOT_BYTES"),
				toml.TOML("xspecho.queue_slot_bytes", path),
			),
		},
		&cli.IntFlag{
			Name:  "queue-capacity",
			Usage: "number of slots in the cross-goroutine task queue",
			Value: 16,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("XSP_QUEUE_CAPACITY"),
				toml.TOML("xspecho.queue_capacity", path),
			),
		},
	}
}

// configFile returns the path to the app's configuration file. It also
// creates an empty file if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, configDirName, configFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err, nil)
	}
	return altsrc.StringSourcer(path)
}

func run(ctx context.Context, cmd *cli.Command) error {
	l := initLog(cmd.Bool("pretty-log"))
	ctx = logger.InContext(ctx, l)

	if cmd.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one argument, a ws:// or wss:// URL")
	}
	wsURL := cmd.Args().Get(0)

	readTimeout := time.Duration(cmd.Int("read-timeout-ms")) * time.Millisecond
	writeTimeout := time.Duration(cmd.Int("write-timeout-ms")) * time.Millisecond

	tr, err := websocket.Open(ctx, wsURL, websocket.Config{
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to open WebSocket transport: %w", err)
	}
	defer tr.Close()

	lp := loop.New(loop.Config{PollTimeoutMS: cmd.Int("poll-timeout-ms")}, loop.Handler{}, l)

	defrag, err := websocket.NewDefragmenter(cmd.Int("max-message-size"))
	if err != nil {
		return err
	}

	var handler *websocket.Handler
	handler, err = websocket.NewHandler(ctx, websocket.Config{
		MaxFrameReadSize:      cmd.Int("max-frame-read-size"),
		MaxDataFrameWriteSize: cmd.Int("max-data-frame-write-size"),
	}, tr, lp, websocket.EventHandler{
		OnDataFrameReceived: func(fin bool, opcode websocket.Opcode, payload []byte) {
			onFrame(ctx, lp, handler, defrag, fin, opcode, payload)
		},
		OnClosed: func(status websocket.StatusCode) {
			l.Info().Stringer("status", status).Msg("WebSocket connection closed")
			lp.Stop()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create WebSocket handler: %w", err)
	}

	queue, err := loopevents.New(loopevents.Config{
		SlotBytes: cmd.Int("queue-slot-bytes"),
		Capacity:  cmd.Int("queue-capacity"),
	}, lp, func([]byte) {
		l.Info().Msg("received shutdown signal")
		_ = handler.Close(websocket.StatusGoingAway)
		lp.Stop()
	}, l)
	if err != nil {
		return fmt.Errorf("failed to create task queue: %w", err)
	}
	defer queue.Close()

	go watchSignals(queue, l)

	l.Info().Str("url", wsURL).Msg("dialed WebSocket server, entering event loop")
	return lp.Run()
}

// onFrame feeds one data frame into the defragmenter, and echoes back any
// message it completes.
func onFrame(ctx context.Context, lp *loop.Loop, h *websocket.Handler, d *websocket.Defragmenter,
	fin bool, opcode websocket.Opcode, payload []byte,
) {
	l := logger.FromContext(ctx)

	done, msgOpcode, msg, err := d.OnDataFrame(fin, opcode, payload)
	if err != nil {
		l.Debug().Err(err).Msg("defragmenter rejected incoming data")
	}
	if !done {
		return
	}
	if err != nil {
		return
	}

	echo := make([]byte, len(msg))
	copy(echo, msg)
	if sendErr := h.SendMessage(msgOpcode == websocket.OpcodeBinary, echo); sendErr != nil {
		l.Debug().Err(sendErr).Msg("failed to echo message")
		lp.Stop()
	}
}

// watchSignals posts a shutdown event into queue when the process
// receives SIGINT or SIGTERM.
func watchSignals(queue *loopevents.Queue, l zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	if err := queue.Post([]byte("stop")); err != nil {
		l.Debug().Err(err).Msg("failed to post shutdown event")
	}
}

// initLog initializes the logger for xspecho, based on whether it's
// running with human-readable console output or default JSON.
func initLog(pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if !pretty {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05.000",
	}).With().Timestamp().Logger()
}
