// bledctl is a terminal dashboard over bled's control API and log-stream
// WebSocket: it renders the live session table and a tailing packet log.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/commatea/ble-bridge/pkg/tui/app"
	"github.com/commatea/ble-bridge/pkg/tui/client"
)

func main() {
	controlAddr := flag.String("control-addr", "http://127.0.0.1:9090", "bled control API base address")
	wsAddr := flag.String("ws-addr", "ws://127.0.0.1:8080", "bled WebSocket bridge base address")
	apiKey := flag.String("api-key", "", "API key for the control API, if auth is enabled")
	flag.Parse()

	logStreamURL := strings.TrimRight(*wsAddr, "/") + "/?command=log-stream"

	httpClient := client.NewHTTPClient(*controlAddr, *apiKey)
	wsClient := client.NewLogWSClient(logStreamURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := app.New(ctx, httpClient, wsClient)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
