package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/CiaranWoodward/roomhub/msg"
	"github.com/CiaranWoodward/roomhub/server"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	// Optional; flags and the real environment win over .env
	_ = godotenv.Load()

	defaults := server.DefaultConfig()
	//Using urfave/cli to make sensible CLI argument parsing
	app := &cli.App{
		Name:                   "server",
		Usage:                  "The room hub server, relaying messages between the clients that joined a room",
		Action:                 runServer,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Aliases: []string{"H"},
				Usage:   "Bind to the given `HOST`.",
				Value:   "localhost",
				EnvVars: []string{"ROOMHUB_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Listen on the given `PORT` for incoming TCP connections.",
				Value:   8080,
				EnvVars: []string{"ROOMHUB_PORT"},
			},
			&cli.StringFlag{
				Name:    "encoding",
				Usage:   "Character `ENCODING` of message payloads.",
				Value:   defaults.Encoding,
				EnvVars: []string{"ROOMHUB_ENCODING"},
			},
			&cli.IntFlag{
				Name:    "header-length",
				Usage:   "Width in bytes of the frame length header.",
				Value:   defaults.HeaderLength,
				EnvVars: []string{"ROOMHUB_HEADER_LENGTH"},
			},
			&cli.StringFlag{
				Name:    "codec",
				Usage:   fmt.Sprintf("Payload `CODEC`, %q or %q.", msg.CodecJSON, msg.CodecCBOR),
				Value:   defaults.Codec,
				EnvVars: []string{"ROOMHUB_CODEC"},
			},
			&cli.BoolFlag{
				Name:    "logging",
				Usage:   "Copy forward and gradient traffic into the _logging room.",
				Value:   defaults.EnableLogging,
				EnvVars: []string{"ROOMHUB_LOGGING"},
			},
			&cli.DurationFlag{
				Name:    "idle-timeout",
				Usage:   "Drop clients silent for this long. Zero never drops.",
				EnvVars: []string{"ROOMHUB_IDLE_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "write-timeout",
				Usage:   "Drop clients that stop reading for this long. Zero waits forever.",
				EnvVars: []string{"ROOMHUB_WRITE_TIMEOUT"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Log every routed message.",
				EnvVars: []string{"ROOMHUB_DEBUG"},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Handle the top-level CLI arguments, start the server
func runServer(c *cli.Context) error {
	port := c.Int("port")
	if port < 1 || port > 0xFFFF {
		return fmt.Errorf("PORT out of range: %d", port)
	}

	logger, err := newLogger(c.Bool("debug"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	ser, err := server.NewServer(server.Config{
		HeaderLength:  c.Int("header-length"),
		Encoding:      c.String("encoding"),
		Codec:         c.String("codec"),
		EnableLogging: c.Bool("logging"),
		IdleTimeout:   c.Duration("idle-timeout"),
		WriteTimeout:  c.Duration("write-timeout"),
	}, logger)
	if err != nil {
		return err
	}

	endpoint := net.JoinHostPort(c.String("host"), fmt.Sprint(port))
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", endpoint, err)
	}
	ser.AddListener(listener)

	logger.Info("listening", zap.String("addr", listener.Addr().String()))
	fmt.Println("Use Ctl-C to exit.")

	// Run until ctl-c
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	rooms, clients := ser.Stats()
	logger.Info("shutting down", zap.Int("rooms", rooms), zap.Int("clients", clients))
	ser.Close()
	return nil
}
