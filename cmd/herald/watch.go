package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mattjoyce/herald/internal/tui/watch"
)

// envAPIKey supplies the bearer token for watch when --api-key is not given.
const envAPIKey = "HERALD_API_KEY"

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "", "herald API URL (default: derived from api.listen)")
	apiKey := fs.String("api-key", os.Getenv(envAPIKey), "API bearer token")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	url, key := *apiURL, *apiKey
	if url == "" || key == "" {
		cfg, _, err := loadConfig(*configPath)
		switch {
		case err == nil:
			if url == "" {
				url = listenURL(cfg.API.Listen)
			}
			if key == "" {
				key = cfg.API.APIKey
			}
		case url == "":
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return exitConfig
		}
	}
	if key == "" {
		fmt.Fprintf(os.Stderr, "Error: API key required. Use --api-key or %s.\n", envAPIKey)
		return exitConfig
	}

	if err := watch.Run(url, key); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return exitFailure
	}
	return exitOK
}

// listenURL turns a listen address into a URL a local client can dial.
func listenURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + strings.TrimPrefix(listen, "http://")
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func printWatchHelp() {
	fmt.Println("Usage: herald watch [--api-url URL] [--api-key KEY] [--config PATH]")
	fmt.Println()
	fmt.Println("Live view of a running herald serve: target status, session updates and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    herald API URL (default: from api.listen in the config)")
	fmt.Println("  --api-key KEY    API bearer token (or " + envAPIKey + ", or api.api_key in the config)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select target")
}
