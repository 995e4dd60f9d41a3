/*
Basic CLI demonstrating the room hub client
*/
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/CiaranWoodward/roomhub/client"
	"github.com/CiaranWoodward/roomhub/msg"
	"github.com/CiaranWoodward/roomhub/protocol"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	defaults := client.DefaultConfig("")
	//Using urfave/cli to give sensible CLI argument parsing
	app := &cli.App{
		Name:                   "client",
		Usage:                  "The room hub client, for connecting to a server and talking to the other clients",
		Action:                 runClient,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Connect to the room hub server at the provided `HOSTNAME`.",
				Value:   "localhost",
				EnvVars: []string{"ROOMHUB_SERVER"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Connect to the given `PORT` of the room hub server.",
				Value:   8080,
				EnvVars: []string{"ROOMHUB_PORT"},
			},
			&cli.StringFlag{
				Name:     "name",
				Aliases:  []string{"n"},
				Usage:    "Register under the display `NAME`.",
				Required: true,
				EnvVars:  []string{"ROOMHUB_NAME"},
			},
			&cli.StringSliceFlag{
				Name:    "room",
				Aliases: []string{"r"},
				Usage:   "Join `ROOM` and print what is sent there. Repeatable.",
				EnvVars: []string{"ROOMHUB_ROOMS"},
			},
			&cli.StringSliceFlag{
				Name:  "arg",
				Usage: "Auxiliary `KEY=VALUE` made available to handlers. Repeatable.",
			},
			&cli.IntFlag{
				Name:  "roger_no",
				Usage: "Create the given `COUNT` of dummy clients, which will respond back with a message whenever they are contacted",
				Value: 0,
			},
			&cli.BoolFlag{
				Name:  "logsink",
				Usage: "Also print the traffic the server copies into the _logging room.",
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
				Name:    "debug",
				Usage:   "Verbose client logging.",
				EnvVars: []string{"ROOMHUB_DEBUG"},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Handle the top-level CLI arguments, start the parser
func runClient(c *cli.Context) error {
	port := c.Int("port")
	if port < 1 || port > 0xFFFF {
		return fmt.Errorf("PORT out of range: %d", port)
	}

	var logger *zap.Logger
	var err error
	if c.Bool("debug") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction(zap.IncreaseLevel(zap.WarnLevel))
	}
	if err != nil {
		return err
	}
	defer logger.Sync()

	args, err := parseArgs(c.StringSlice("arg"))
	if err != nil {
		return err
	}

	cfg := client.Config{
		Name:         c.String("name"),
		HeaderLength: c.Int("header-length"),
		Encoding:     c.String("encoding"),
		Codec:        c.String("codec"),
		Args:         args,
	}
	endpoint := net.JoinHostPort(c.String("server"), fmt.Sprint(port))

	ctx, cancel := context.WithTimeout(c.Context, 5*time.Second)
	defer cancel()
	myClient, err := client.Dial(ctx, endpoint, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	log.Printf("Successfully connected to server %s as %q.", endpoint, cfg.Name)

	// Create dummy clients alongside
	createRogers(c.Int("roger_no"), endpoint, cfg, logger)

	if err := addPrinter(myClient, c.StringSlice("room")); err != nil {
		return err
	}
	if c.Bool("logsink") {
		if err := addLogSink(myClient); err != nil {
			return err
		}
	}

	go func() {
		if err := myClient.Listen(); err != nil {
			log.Printf("Disconnected: %v", err)
		}
	}()
	startInteractive(myClient)
	return nil
}

func parseArgs(kvs []string) (map[string]any, error) {
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("arg %q: want KEY=VALUE", kv)
		}
		out[k] = v
	}
	return out, nil
}

func dataTypes() []*protocol.MessageTypeSetting {
	d := protocol.Data
	return []*protocol.MessageTypeSetting{d.Forward, d.Gradient, d.Reward, d.Text, d.Custom}
}

// Print all data traffic in rooms, and direct messages
func addPrinter(c *client.Client, rooms []string) error {
	return c.AddEventHandler(&client.EventHandler{
		Trigger: client.NewTrigger(dataTypes(), rooms, true),
		Handle: func(in protocol.Message, _ client.Args) (*protocol.Message, error) {
			where := in.ToRoom
			if where == "" {
				where = "direct"
			}
			fmt.Printf("Rx [%s] %s from %s: %v\n", where, in.Type, sender(in), in.Value(protocol.FieldData))
			return nil, nil
		},
	})
}

func addLogSink(c *client.Client) error {
	return c.AddEventHandler(&client.EventHandler{
		Trigger: client.NewTrigger([]*protocol.MessageTypeSetting{protocol.Log.Message}, []string{protocol.LoggingRoom}, false),
		Handle: func(in protocol.Message, _ client.Args) (*protocol.Message, error) {
			fmt.Printf("Log [%v] from %v: %v\n", in.Value(protocol.FieldRoom), in.Value(protocol.FieldSender), in.Value(protocol.FieldMessage))
			return nil, nil
		},
	})
}

func sender(m protocol.Message) string {
	if m.SentBy == "" {
		return "(anonymous)"
	}
	return m.SentBy
}

func printHelp() {
	log.Println("Interactive Help:")
	log.Println(" send <room> :<text>")
	log.Println("\t- Send a text message to everyone else in the room")
	log.Println(" tell <name> :<text>")
	log.Println("\t- Send a text message to the clients registered as name")
	log.Println("\t  Eg: tell roger0 :Hello there!")
	log.Println(" join <room>")
	log.Println(" leave <room>")
	log.Println(" rooms")
	log.Println("\t- List the rooms this client has joined")
	log.Println(" quit")
}

func startInteractive(c *client.Client) {
	defer c.Close()

	printHelp()
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(">")
		if !scanner.Scan() {
			return
		}
		command, args, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")

		var err error
		switch command {
		case "":
			continue
		case "send":
			var room, text string
			if room, text, err = targetCommandParse(args); err == nil {
				err = c.Send(textMessage(text, room, ""))
			}
		case "tell":
			var name, text string
			if name, text, err = targetCommandParse(args); err == nil {
				err = c.Send(textMessage(text, "", name))
			}
		case "join":
			err = c.JoinRoom(strings.TrimSpace(args))
		case "leave":
			err = c.LeaveRoom(strings.TrimSpace(args))
		case "rooms":
			log.Printf("Rooms: %v\n", c.Rooms())
		case "quit":
			return
		default:
			log.Printf("Unrecognised command \"%s\".\n", command)
			continue
		}
		if err != nil {
			log.Printf("Error: %v", err)
		}
	}
}

func textMessage(text, room, to string) protocol.Message {
	return protocol.Message{
		Type:    protocol.Data.Text.ID,
		ToRoom:  room,
		To:      to,
		Payload: protocol.Payload{protocol.FieldData: text},
	}
}

// Split "<target> :<text>"
func targetCommandParse(args string) (target, text string, err error) {
	target, text, ok := strings.Cut(args, ":")
	target = strings.TrimSpace(target)
	if !ok || target == "" || strings.Contains(target, " ") {
		return "", "", errors.New("want <target> :<text>")
	}
	return target, text, nil
}

func createRogers(n int, ep string, base client.Config, logger *zap.Logger) {
	for i := 0; i < n; i++ {
		go func(i int) {
			cfg := base
			cfg.Name = fmt.Sprintf("roger%d", i)
			rc, err := client.Dial(context.Background(), ep, cfg, logger)
			if err != nil {
				log.Printf("Failed to create Roger #%d: %v", i, err)
				return
			}
			log.Printf("Successfully started %s", cfg.Name)

			// Answer every direct text to whoever sent it
			err = rc.AddEventHandler(&client.EventHandler{
				Trigger: client.NewTrigger([]*protocol.MessageTypeSetting{protocol.Data.Text}, nil, true),
				Handle: func(in protocol.Message, _ client.Args) (*protocol.Message, error) {
					if in.SentBy == "" {
						return nil, nil
					}
					respm := fmt.Sprintf("Roger that %s - I am %s!", in.SentBy, rc.Name())
					return nil, rc.Send(textMessage(respm, "", in.SentBy))
				},
			})
			if err != nil {
				log.Printf("Roger #%d: %v", i, err)
				rc.Close()
				return
			}
			rc.Listen()
		}(i)
	}
}
