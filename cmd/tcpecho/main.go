// Command tcpecho exercises the C8 TCP transport (Listener/Channel) end
// to end: it listens on an address, echoes every byte read back to the
// peer, and logs connection lifecycle via the package's zerolog façade.
//
// This is a demo binary, not a library surface; spec.md §1 explicitly
// keeps CLI argument parsing out of core scope, so flag parsing lives
// here behind urfave/cli rather than in the package root.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/dh-core/bblocks"
)

func main() {
	app := &cli.App{
		Name:  "tcpecho",
		Usage: "run a proactor-driven TCP echo server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:9000", Usage: "listen address"},
			&cli.IntFlag{Name: "workers", Value: 0, Usage: "worker pool size (0 = NumCPU)"},
			&cli.IntFlag{Name: "shards", Value: 1, Usage: "poller shard count"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := bblocks.NewLogger(os.Stderr, zerolog.InfoLevel)

	opts := []bblocks.Option{bblocks.WithLogger(logger)}
	if n := c.Int("workers"); n > 0 {
		opts = append(opts, bblocks.WithWorkers(n))
	}
	if k := c.Int("shards"); k > 0 {
		opts = append(opts, bblocks.WithPollerShards(k))
	}

	rt, err := bblocks.NewRuntime(opts...)
	if err != nil {
		return err
	}
	defer rt.Shutdown()

	accept := bblocks.Inline(func(res bblocks.AcceptResult) {
		if res.Err != nil {
			logger.Warn().Err(res.Err).Msg("accept failed")
			return
		}
		serveEcho(logger, res.Channel)
	})

	ln, err := rt.Listen(c.String("addr"), accept)
	if err != nil {
		return err
	}
	logger.Info().Str("addr", c.String("addr")).Msg("tcpecho listening")
	_ = ln

	select {} // demo binary: run until killed
}

// serveEcho reads into a fresh buffer and writes it straight back,
// chaining the next read from inside the write completion so the
// connection keeps echoing until the peer closes it.
func serveEcho(logger bblocks.Logger, ch *bblocks.Channel) {
	var readNext func()
	readNext = func() {
		buf := bblocks.NewIOBuffer(4096)
		readDone := bblocks.Inline(func(n int) {
			if n < 0 {
				buf.Release()
				ch.Stop(bblocks.Inline(func(int) {}))
				return
			}
			writeDone := bblocks.Inline(func(status int) {
				buf.Release()
				if status < 0 {
					ch.Stop(bblocks.Inline(func(int) {}))
					return
				}
				readNext()
			})
			if err := ch.Write(buf, writeDone); err != nil {
				logger.Warn().Err(err).Msg("write failed")
			}
		})
		if n, err := ch.Read(buf, readDone); err != nil {
			logger.Warn().Err(err).Msg("read failed")
		} else if n > 0 {
			// Filled synchronously; the read completion above won't fire,
			// so trigger the write path directly.
			readDone.Fire(n)
		}
	}
	readNext()
}
