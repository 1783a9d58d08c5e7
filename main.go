// Command qc-chat is a terminal client for the QuickConnect support
// chat, standing in for the embeddable widget UI.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quickconnect/chat-sdk-go/internal/chat"
	"github.com/quickconnect/chat-sdk-go/internal/config"
	"github.com/quickconnect/chat-sdk-go/internal/timeline"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		managerURL string
		chatAPIURL string
		chatWSURL  string
		dataDir    string
		guestName  string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:          "qc-chat",
		Short:        "Terminal client for QuickConnect support chat",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil {
				log.Debug().Err(err).Msg("no .env file loaded")
			}

			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}

			cfg := config.FromEnv()
			if managerURL != "" {
				cfg.ManagerURL = managerURL
			}
			if chatAPIURL != "" {
				cfg.ChatAPIURL = chatAPIURL
			}
			if chatWSURL != "" {
				cfg.ChatWSURL = chatWSURL
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if guestName != "" {
				cfg.GuestName = guestName
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&managerURL, "manager-url", "", "user manager base URL (QC_MANAGER_URL)")
	cmd.Flags().StringVar(&chatAPIURL, "chat-api-url", "", "chat API base URL (QC_CHAT_API_URL)")
	cmd.Flags().StringVar(&chatWSURL, "chat-ws-url", "", "chat websocket URL (QC_CHAT_WS_URL)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "session store directory (QC_DATA_DIR)")
	cmd.Flags().StringVar(&guestName, "name", "", "guest display name (QC_GUEST_NAME)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}

func run(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := chat.NewEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	eng.OnStateChange = func(s chat.State) {
		log.Info().Stringer("state", s).Msg("connection state changed")
	}

	if err := eng.Start(ctx); err != nil {
		// An auth failure means the backend is unreachable or refused
		// us; there is nothing for the engine to recover from.
		return err
	}
	eng.SetViewing(true)

	go printTimeline(ctx, eng)

	if err := eng.LoadHistory(ctx); err != nil {
		log.Warn().Err(err).Msg("initial history load failed")
	}

	fmt.Println("Connected. Type a message, or /history, /profile <name> <email>, /status, /quit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(ctx, eng, line); done {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, eng *chat.Engine, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false

	case line == "/quit":
		return true

	case line == "/status":
		fmt.Printf("[%s] unread=%d\n", eng.StatusLine(), eng.Timeline().Unread())
		return false

	case line == "/history":
		if err := eng.LoadHistory(ctx); err != nil {
			log.Warn().Err(err).Msg("history load failed")
		}
		return false

	case strings.HasPrefix(line, "/profile "):
		fields := strings.Fields(strings.TrimPrefix(line, "/profile "))
		if len(fields) < 2 {
			fmt.Println("usage: /profile <name> <email>")
			return false
		}
		email := fields[len(fields)-1]
		name := strings.Join(fields[:len(fields)-1], " ")
		if err := eng.UpdateProfile(ctx, name, email); err != nil {
			log.Warn().Err(err).Msg("profile update failed")
		}
		return false

	default:
		if err := eng.NotifyTyping(); err != nil {
			log.Debug().Err(err).Msg("typing signal failed")
		}
		if err := eng.SendMessage(line); err != nil {
			log.Warn().Err(err).Msg("send failed")
		}
		return false
	}
}

func printTimeline(ctx context.Context, eng *chat.Engine) {
	events := eng.Timeline().Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			printEvent(ev)
		}
	}
}

func printEvent(ev timeline.Event) {
	m := ev.Message
	switch ev.Kind {
	case timeline.EventAppended:
		switch {
		case m.IsSystem:
			fmt.Printf("  * %s\n", m.Content)
		case m.IsOwn:
			fmt.Printf("  you (%s): %s\n", m.Status, m.Content)
		default:
			fmt.Printf("  them: %s\n", m.Content)
		}
	case timeline.EventUpdated:
		if m.IsOwn {
			fmt.Printf("  you (%s): %s\n", m.Status, m.Content)
		}
	case timeline.EventPrepended:
		fmt.Println("  * older messages loaded")
	case timeline.EventReset:
		fmt.Println("  * conversation cleared")
	}
}
