// ABOUTME: Command-line client for a cohora gateway: register, list users, send and listen
// ABOUTME: Usage: cohora-client [-url URL] [-user ID] <register|users|send|listen|echo> ...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/cohora-gateway/internal/relay"
	"github.com/2389/cohora-gateway/internal/relayclient"
)

type cli struct {
	url        string
	userID     string
	token      string
	headerAuth bool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: cohora-client [flags] <command>")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  register NAME          Create a user and print its id")
	fmt.Fprintln(os.Stderr, "  users                  List registered users")
	fmt.Fprintln(os.Stderr, "  send NAME MESSAGE...   Send a message as -user")
	fmt.Fprintln(os.Stderr, "  listen                 Print messages delivered to -user")
	fmt.Fprintln(os.Stderr, "  echo                   Reply to every delivery with its own text")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

func main() {
	var c cli
	flag.StringVar(&c.url, "url", envOr("COHORA_URL", "http://localhost:8000"), "gateway base URL")
	flag.StringVar(&c.userID, "user", os.Getenv("COHORA_USER_ID"), "user id to act as")
	flag.StringVar(&c.token, "token", os.Getenv("COHORA_TOKEN"), "bearer token issued at registration")
	flag.BoolVar(&c.headerAuth, "header-auth", false, "authenticate the websocket with the X-User-Id header")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "register":
		if len(args) != 1 {
			return errors.New("usage: register NAME")
		}
		return c.register(ctx, args[0])
	case "users":
		return c.users(ctx)
	case "send":
		if len(args) < 2 {
			return errors.New("usage: send NAME MESSAGE...")
		}
		return c.send(ctx, args[0], strings.Join(args[1:], " "))
	case "listen":
		return c.listen(ctx, nil)
	case "echo":
		api := c.api()
		return c.listen(ctx, func(d relay.Delivery) {
			if _, err := api.SendMessage(ctx, c.userID, d.From, d.Message); err != nil {
				color.Red("  echo to %s failed: %v", d.From, err)
			}
		})
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (c *cli) api() *relayclient.API {
	var opts []relayclient.APIOption
	if c.token != "" {
		opts = append(opts, relayclient.WithToken(c.token))
	}
	return relayclient.NewAPI(c.url, opts...)
}

func (c *cli) requireUser() error {
	if c.userID == "" {
		return errors.New("a user id is required (-user or COHORA_USER_ID)")
	}
	return nil
}

func (c *cli) register(ctx context.Context, name string) error {
	reg, err := c.api().CreateUser(ctx, name)
	if err != nil {
		return err
	}
	color.Green("✓ Registered %s", name)
	fmt.Printf("export COHORA_USER_ID=%s\n", reg.ID)
	if reg.Token != "" {
		fmt.Printf("export COHORA_TOKEN=%s\n", reg.Token)
	}
	return nil
}

func (c *cli) users(ctx context.Context) error {
	list, err := c.api().ListUsers(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(list))
	for id := range list {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return list[ids[i]] < list[ids[j]] })

	gray := color.New(color.FgHiBlack)
	for _, id := range ids {
		fmt.Printf("%-24s ", list[id])
		gray.Println(id)
	}
	return nil
}

func (c *cli) send(ctx context.Context, recipient, message string) error {
	if err := c.requireUser(); err != nil {
		return err
	}
	res, err := c.api().SendMessage(ctx, c.userID, recipient, message)
	if err != nil {
		return err
	}
	switch res.Status {
	case relay.StatusDelivered:
		color.Green("✓ delivered to %s", recipient)
	default:
		color.Yellow("… %s is offline, message queued", recipient)
	}
	color.New(color.FgHiBlack).Println(res.MessageID)
	return nil
}

// listen prints deliveries until ctx is cancelled or the gateway closes the
// connection. onDelivery, when set, runs after each message is printed.
func (c *cli) listen(ctx context.Context, onDelivery func(relay.Delivery)) error {
	if err := c.requireUser(); err != nil {
		return err
	}
	wsURL, err := relayclient.WebSocketURL(c.url)
	if err != nil {
		return err
	}

	client, err := relayclient.Dial(ctx, wsURL, c.userID, relayclient.Options{
		HeaderAuth: c.headerAuth,
		Token:      c.token,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	color.New(color.FgCyan).Fprintln(os.Stderr, client.Welcome())

	name := color.New(color.FgGreen, color.Bold)
	gray := color.New(color.FgHiBlack)
	for {
		d, err := client.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		gray.Printf("%s ", d.Time().Format(time.Kitchen))
		name.Printf("%s: ", d.From)
		fmt.Println(d.Message)
		if onDelivery != nil {
			onDelivery(d)
		}
	}
}
