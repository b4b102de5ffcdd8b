package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"hyperglide"
	"hyperglide/internal/logging"
	"hyperglide/internal/pubsub"
	"hyperglide/internal/router"
	"hyperglide/pkg/config"
)

var (
	configPath  = flag.String("config", "", "Path to YAML configuration file (defaults built in if omitted)")
	addr        = flag.String("addr", "", "Override the first seed address, host:port")
	clusterMode = flag.Bool("cluster", false, "Connect in cluster mode")
	username    = flag.String("username", "", "AUTH username")
	password    = flag.String("password", "", "AUTH password")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.InitializeFromConfig("hyperglide-cli", logging.LogConfig{
		Level:         cfg.Logging.Level,
		EnableConsole: cfg.Logging.EnableConsole,
		EnableFile:    cfg.Logging.EnableFile,
		LogFile:       cfg.Logging.LogFile,
		BufferSize:    cfg.Logging.BufferSize,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	correlationID := logging.NewCorrelationID()
	ctx := logging.WithCorrelationID(context.Background(), correlationID)
	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "hyperglide-cli starting", map[string]interface{}{
		"addresses":    cfg.Addresses,
		"cluster_mode": cfg.ClusterMode,
	})

	client, err := hyperglide.New(ctx, *cfg)
	if err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "failed to construct client", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithCancel(ctx)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nshutting down")
		cancel()
	}()

	fmt.Printf("connected to %v (cluster=%v), type a command or 'quit'\n", cfg.Addresses, cfg.ClusterMode)
	runREPL(shutdownCtx, client)

	if err := client.Close(); err != nil {
		logging.Warn(ctx, logging.ComponentMain, logging.ActionClose, "error closing client: "+err.Error())
	}
	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "hyperglide-cli stopped")
}

func loadConfig() (*config.ClientConfig, error) {
	var cfg config.ClientConfig
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	} else {
		cfg = config.DefaultClientConfig()
	}

	if *addr != "" {
		host, port, err := splitAddr(*addr)
		if err != nil {
			return nil, err
		}
		cfg.Addresses = []config.NodeAddress{{Host: host, Port: port}}
	}
	if *clusterMode {
		cfg.ClusterMode = true
	}
	if *username != "" {
		cfg.Username = *username
	}
	if *password != "" {
		cfg.Password = *password
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitAddr(s string) (string, int, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("address %q must be host:port", s)
	}
	host := s[:idx]
	var port int
	if _, err := fmt.Sscanf(s[idx+1:], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("address %q has an invalid port: %w", s, err)
	}
	return host, port, nil
}

// runREPL reads one command per line from stdin until EOF, 'quit', or ctx is
// cancelled. SUBSCRIBE/PSUBSCRIBE/SSUBSCRIBE are handled specially: they
// block printing delivered messages until interrupted rather than returning
// a single reply.
func runREPL(ctx context.Context, client *hyperglide.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		name := strings.ToUpper(fields[0])
		if name == "QUIT" || name == "EXIT" {
			return
		}

		switch name {
		case "SUBSCRIBE", "PSUBSCRIBE", "SSUBSCRIBE":
			if len(fields) < 2 {
				fmt.Println("usage: " + name + " <channel>")
				continue
			}
			runSubscribe(ctx, client, name, fields[1])
			continue
		}

		args := make([][]byte, 0, len(fields)-1)
		for _, f := range fields[1:] {
			args = append(args, []byte(f))
		}
		v, err := client.Execute(ctx, router.Command{Name: name, Args: args}, nil)
		if err != nil {
			fmt.Println("(error)", err)
			continue
		}
		fmt.Println(v.String())
	}
}

func runSubscribe(ctx context.Context, client *hyperglide.Client, cmd, channel string) {
	mode := pubsub.ModeExact
	switch cmd {
	case "PSUBSCRIBE":
		mode = pubsub.ModePattern
	case "SSUBSCRIBE":
		mode = pubsub.ModeSharded
	}

	sub, err := client.Subscribe(ctx, mode, channel)
	if err != nil {
		fmt.Println("(error)", err)
		return
	}
	defer client.Unsubscribe(mode, channel, sub)

	fmt.Println("listening on " + channel + " (Ctrl-C to stop)")
	for {
		select {
		case msg := <-sub.Messages():
			fmt.Printf("message %q -> %q\n", msg.Channel, msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}
