package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perspective-dev/psprelay/client"
	"github.com/perspective-dev/psprelay/engine"
	psperrors "github.com/perspective-dev/psprelay/errors"
	"github.com/perspective-dev/psprelay/lifecycle"
	"github.com/perspective-dev/psprelay/relay"
	"github.com/perspective-dev/psprelay/transport"
)

var sendCmd = &cobra.Command{
	Use:   "send [file...]",
	Short: "Send engine requests and print every relayed message",
	Long: `Connect to a relay, initialize its engine, send each file as one engine
request and print every message relayed back until the connection has been
idle for --wait.

The relay is either remote:
  psprelay send --url ws://localhost:8080/ws req.bin

or spawned in-process around a local engine binary:
  psprelay send --engine engine.wasm req.bin

Output lines:
  reply <n> <hex>     response to the n-th file
  push <hex>          message the engine emitted on its own
  error <n> <err>     the n-th request failed`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().String("url", "", "WebSocket URL of a running relay server")
	sendCmd.Flags().String("engine", "", "Engine binary for an in-process relay")
	sendCmd.Flags().Duration("wait", time.Second, "Idle time to wait for further messages")
	sendCmd.Flags().Duration("load-timeout", lifecycle.DefaultTimeout, "Engine load timeout")

	rootCmd.AddCommand(sendCmd)
}

// printer writes relayed messages and signals activity for the idle wait.
type printer struct {
	mu       sync.Mutex
	w        io.Writer
	activity chan struct{}
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, activity: make(chan struct{}, 1)}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	fmt.Fprintf(p.w, format, args...)
	p.mu.Unlock()

	select {
	case p.activity <- struct{}{}:
	default:
	}
}

// waitIdle returns once nothing has been printed for wait.
func (p *printer) waitIdle(ctx context.Context, wait time.Duration, closed <-chan struct{}) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-p.activity:
			timer.Reset(wait)
		case <-timer.C:
			return nil
		case <-closed:
			return psperrors.ErrTransportClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	url, _ := cmd.Flags().GetString("url")
	enginePath, _ := cmd.Flags().GetString("engine")
	wait, _ := cmd.Flags().GetDuration("wait")
	loadTimeout, _ := cmd.Flags().GetDuration("load-timeout")
	level, _ := cmd.Flags().GetString("log-level")
	noCache, _ := cmd.Flags().GetBool("no-cache")
	memory, _ := cmd.Flags().GetString("memory")

	if (url == "") == (enginePath == "") {
		return errors.New("exactly one of --url or --engine is required")
	}

	requests := make([][]byte, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		requests = append(requests, data)
	}

	if level == "" {
		level = "warn"
	}
	logger := newLogger(cmd.ErrOrStderr(), level, "console")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		tr   transport.Transport
		wasm []byte
	)
	if url != "" {
		tr = transport.DialSocket(ctx, url, transport.WithLogger(logger))
	} else {
		var err error
		wasm, err = os.ReadFile(enginePath)
		if err != nil {
			return fmt.Errorf("read engine: %w", err)
		}
		pages, err := parseMemoryLimit(memory)
		if err != nil {
			return err
		}

		rtOpts := []engine.RuntimeOption{engine.WithLogger(logger)}
		if !noCache {
			rtOpts = append(rtOpts, engine.WithDiskCache())
		}
		if pages > 0 {
			rtOpts = append(rtOpts, engine.WithMemoryLimit(pages))
		}
		rt, err := engine.NewRuntime(ctx, rtOpts...)
		if err != nil {
			return fmt.Errorf("create runtime: %w", err)
		}
		defer rt.Close(context.Background())

		worker, r := relay.Spawn(ctx, rt.Loader(nil),
			relay.WithLogger(logger),
			relay.WithLoadTimeout(loadTimeout),
		)
		defer r.Close()
		tr = worker
	}

	out := newPrinter(cmd.OutOrStdout())
	c := client.New(tr,
		client.WithLogger(logger),
		client.WithPushHandler(func(b []byte) { out.printf("push %x\n", b) }),
		client.WithErrorHandler(func(err error) { out.printf("error - %v\n", err) }),
	)
	defer c.Close()
	go c.Run(ctx)

	if err := c.Init(ctx, wasm); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	logger.Debug("engine ready", zap.Int("requests", len(requests)))

	ids := make([]uint32, 0, len(requests))
	for i, req := range requests {
		n := i + 1
		id, err := c.Subscribe(ctx, req, func(b []byte, err error) {
			if err != nil {
				out.printf("error %d %v\n", n, err)
				return
			}
			out.printf("reply %d %x\n", n, b)
		})
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		ids = append(ids, id)
	}

	if err := out.waitIdle(ctx, wait, c.Done()); err != nil {
		return err
	}
	// Closing the client would otherwise report every finished request as failed.
	for _, id := range ids {
		c.Unsubscribe(id)
	}
	return nil
}
