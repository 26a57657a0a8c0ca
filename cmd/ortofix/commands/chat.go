package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/nstogner/ortofix/pkg/client"
	"github.com/nstogner/ortofix/pkg/config"
	"github.com/nstogner/ortofix/pkg/tui"
)

var (
	chatURL     string
	chatLogFile string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running server from the terminal",
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", "ws://localhost:5000/ws", "WebSocket URL of the server")
	chatCmd.Flags().StringVar(&chatLogFile, "log-file", "", "Write logs to this file (logs are discarded otherwise)")
}

func runChat(cmd *cobra.Command, args []string) error {
	// The terminal belongs to the UI, so logs go to a file or nowhere.
	var w io.Writer = io.Discard
	if chatLogFile != "" {
		f, err := os.OpenFile(chatLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		w = f
	}
	level := logLevel
	if level == "" {
		level = "debug"
	}
	if err := setupLogging(config.LoggingConfig{Level: level}, w); err != nil {
		return err
	}

	c, err := client.New(chatURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	p := tea.NewProgram(tui.New(c), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}

	cancel()
	return <-runErr
}
