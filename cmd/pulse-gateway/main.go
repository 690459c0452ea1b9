// ABOUTME: Entry point for pulse-gateway, the realtime push gateway
// ABOUTME: Provides serve, health, stats and token commands

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/pulse-gateway/internal/auth"
	"github.com/2389/pulse-gateway/internal/config"
	"github.com/2389/pulse-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
             _                             _
 _ __  _   _| |___  ___        __ _  __ _| |_ _____      ____ _ _   _
| '_ \| | | | / __|/ _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| |_) | |_| | \__ \  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
| .__/ \__,_|_|___/\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
|_|                           |___/                             |___/
`

func usage() {
	fmt.Println("Usage: pulse-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the gateway server")
	fmt.Println("  health                         Check gateway health")
	fmt.Println("  stats                          Show live connection statistics ($PULSE_TOKEN)")
	fmt.Println("  token --sub ID --role ROLE     Mint a development token with the configured secret")
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
	case "health":
		err = runHealth(ctx)
	case "stats":
		err = runStats(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
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
	configPath := config.DefaultPath()

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
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)

	green.Print("    ▶ ")
	fmt.Print("Presence:  ")
	if cfg.Presence.RedisAddr != "" {
		cyan.Println(cfg.Presence.RedisAddr)
	} else {
		gray.Println("local only")
	}

	green.Print("    ▶ ")
	fmt.Print("Bridge:    ")
	if cfg.Bridge.NATSURL != "" {
		cyan.Print(cfg.Bridge.NATSURL)
		yellow.Printf(" [%s]\n", cfg.Bridge.Subject)
	} else {
		gray.Println("disabled")
	}

	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting pulse-gateway",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// get issues a GET against the configured gateway and returns the body.
func get(ctx context.Context, cfg *config.Config, path, bearer string) (int, []byte, error) {
	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	status, _, err := get(ctx, cfg, "/health/ready", "")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	fmt.Println("healthy")
	return nil
}

func runStats(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token := os.Getenv("PULSE_TOKEN")
	if token == "" {
		return errors.New("PULSE_TOKEN must hold a token with a metrics role")
	}

	status, body, err := get(ctx, cfg, "/api/stats", token)
	if err != nil {
		return fmt.Errorf("stats request failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("stats: status %d: %s", status, body)
	}

	fmt.Println(string(body))
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "user id (sub claim)")
	role := fs.String("role", "", "role claim")
	org := fs.String("org", "", "organization claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if *sub == "" || *role == "" {
		return errors.New("--sub and --role are required")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	v, err := auth.NewJWTValidator([]byte(cfg.Auth.JWTSecret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithClaimNames(auth.ClaimNames{Role: cfg.Auth.RoleClaim, Org: cfg.Auth.OrgClaim}),
	)
	if err != nil {
		return err
	}

	tok, err := v.Issue(auth.Identity{UserID: *sub, Role: *role, OrgID: *org}, *ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Println(tok)
	return nil
}
