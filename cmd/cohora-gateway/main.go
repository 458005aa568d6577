// ABOUTME: Entry point for the cohora-gateway relay and agent server
// ABOUTME: Subcommands serve, init, health and users

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/cohora-gateway/internal/config"
	"github.com/2389/cohora-gateway/internal/gateway"
	"github.com/2389/cohora-gateway/internal/relayclient"
)

// Version is set at build time.
var version = "dev"

const banner = `
           _                                 _
  ___ ___ | |__   ___  _ __ __ _    __ _  __ _| |_ _____      ____ _ _   _
 / __/ _ \| '_ \ / _ \| '__/ _' |  / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| (_) | | | | (_) | | | (_| | | (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___\___/|_| |_|\___/|_|  \__,_|  \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                   |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: COHORA_CONFIG env var > XDG_CONFIG_HOME/cohora/gateway.yaml > ~/.config/cohora/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COHORA_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "cohora", "gateway.yaml")
}

func usage() {
	fmt.Println("Usage: cohora-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve              Start the gateway server")
	fmt.Println("  init [--force]     Write a default config file")
	fmt.Println("  health             Check gateway health")
	fmt.Println("  users              List registered users")
	fmt.Println("  users add NAME     Register a user")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "users":
		err = runUsers(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Model:     %s @ %s\n", cfg.Model.Model, cfg.Model.BaseURL)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! No JWT secret: X-User-Id alone identifies callers")
	}

	fmt.Println()

	logger.Info("starting cohora-gateway",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"tailscale", cfg.Tailscale.Enabled,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runInit(args []string) error {
	force := false
	for _, arg := range args {
		switch arg {
		case "--force", "-f":
			force = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(config.DefaultYAML), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("  Set OPENAI_API_KEY (and optionally COHORA_JWT_SECRET), then:")
	fmt.Println("    cohora-gateway serve")
	return nil
}

// gatewayURL returns the base URL of the locally configured gateway.
func gatewayURL(cfg *config.Config) (string, error) {
	if cfg.Tailscale.Enabled {
		return "https://" + cfg.Tailscale.Hostname, nil
	}
	host, port, err := net.SplitHostPort(cfg.Server.HTTPAddr)
	if err != nil {
		return "", fmt.Errorf("parsing server.http_addr: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func loadGatewayURL() (string, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return gatewayURL(cfg)
}

func runHealth(ctx context.Context) error {
	base, err := loadGatewayURL()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	color.New(color.FgGreen).Println("healthy")
	return nil
}

func runUsers(ctx context.Context, args []string) error {
	base, err := loadGatewayURL()
	if err != nil {
		return err
	}
	api := relayclient.NewAPI(base)

	if len(args) > 0 {
		if args[0] != "add" || len(args) != 2 {
			return errors.New("usage: cohora-gateway users [add NAME]")
		}
		reg, err := api.CreateUser(ctx, args[1])
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("  ✓ Registered %s\n", args[1])
		fmt.Printf("  ID:    %s\n", reg.ID)
		if reg.Token != "" {
			fmt.Printf("  Token: %s\n", reg.Token)
		}
		return nil
	}

	list, err := api.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No users registered")
		return nil
	}

	ids := make([]string, 0, len(list))
	for id := range list {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return list[ids[i]] < list[ids[j]] })

	gray := color.New(color.FgHiBlack)
	for _, id := range ids {
		fmt.Printf("  %-24s ", list[id])
		gray.Println(id)
	}
	return nil
}
