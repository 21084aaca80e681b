package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chat-sync",
		Short:         "Keep a local view of your chat account in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var openID string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Sign in and stay connected, logging messages and presence",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), openID, os.Stdout)
		},
	}
	runCmd.Flags().StringVar(&openID, "open", "", "conversation id to open once connected")

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve chat tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCP(cmd.Context())
		},
	}

	conversationsCmd := &cobra.Command{
		Use:   "conversations",
		Short: "Print your conversations as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listConversations(cmd.Context(), cmd.OutOrStdout())
		},
	}

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the cached session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return logout(cmd.OutOrStdout())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}

	root.AddCommand(runCmd, mcpCmd, conversationsCmd, logoutCmd, versionCmd)

	return root
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}

	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// runSync runs a session until interrupted.
func runSync(parent context.Context, openID string, logOut io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLoggerTo(logOut, cfg.Environment, cfg.LogLevel)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIURL),
		slog.String("ws", cfg.WSURL),
	)

	ctx, stop := signalContext(parent)
	defer stop()

	session, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}

	return runSession(ctx, session, openID, logger)
}

// runMCP runs a session and serves it over MCP on stdio. Logs go to
// stderr.
func runMCP(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLoggerTo(os.Stderr, cfg.Environment, cfg.LogLevel).
		With(slog.String("service", "mcp"))

	ctx, stop := signalContext(parent)
	defer stop()

	session, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, session)

	// The session stops when the MCP client disconnects.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()

		logger.Info("serving MCP on stdio")

		if err := mcpServer.Run(gctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		return runSession(gctx, session, "", logger)
	})

	return g.Wait()
}

// connect authenticates and builds a session. The session is not started.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*chat.Session, error) {
	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := chat.NewClient(cfg.APIURL, nil, logger)

	creds, err := authenticate(ctx, client, cfg, appState, logger)
	if err != nil {
		return nil, err
	}

	return chat.NewSession(chat.SessionConfig{
		WSURL:             cfg.WSURL,
		Credentials:       *creds,
		PageSize:          cfg.PageSize,
		PollInterval:      cfg.PollInterval,
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendRate:          cfg.SendRate,
		SendBurst:         cfg.SendBurst,
		OnMessage: func(msg models.Message, added bool) {
			if !added {
				return
			}

			logger.Info("message",
				slog.String("conversation_id", msg.ConversationID),
				slog.String("sender", msg.SenderID),
				slog.String("content", msg.Content),
			)
		},
		OnPresence: func(online []models.User) {
			logger.Info("presence", slog.Int("online", len(online)))
		},
	}, client, logger), nil
}

// runSession starts the session and tears it down when ctx ends. When
// openID is set the conversation is opened once the push channel is up.
func runSession(ctx context.Context, session *chat.Session, openID string, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := session.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("running session: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		session.Teardown()

		return nil
	})

	if openID != "" {
		g.Go(func() error {
			select {
			case <-session.Ready():
			case <-gctx.Done():
				return nil
			}

			if err := session.Open(gctx, openID); err != nil {
				logger.Warn("opening conversation",
					slog.String("conversation_id", openID),
					slog.String("error", err.Error()),
				)
			}

			return nil
		})
	}

	return g.Wait()
}

// authenticate reuses cached credentials when the server still accepts
// them, otherwise logs in and caches the new token.
func authenticate(ctx context.Context, client *chat.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) (*models.Credentials, error) {
	cached, err := appState.Credentials(cfg.Username)
	if err != nil {
		logger.Warn("reading cached credentials", slog.String("error", err.Error()))
	}

	if cached != nil && !cached.Expired(time.Now()) {
		logger.Debug("trying cached token")
		client.SetToken(cached.Token)

		online, err := client.FetchOnlineUsers(ctx)
		if err == nil {
			logger.Info("authenticated with cached token", slog.Int("online", len(online)))
			return cached, nil
		}

		if !errors.Is(err, chaterrors.ErrInvalidToken) {
			return nil, fmt.Errorf("checking cached token: %w", err)
		}

		logger.Debug("cached token rejected, signing in fresh")
		client.SetToken("")
	}

	logger.Info("signing in", slog.String("username", cfg.Username))

	creds, err := client.Login(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	logger.Info("signed in", slog.String("user_id", creds.UserID))
	client.SetToken(creds.Token)

	if err := appState.SetCredentials(cfg.Username, *creds); err != nil {
		logger.Warn("failed to save token", slog.String("error", err.Error()))
	}

	return creds, nil
}

// conversationView is the YAML shape printed by the conversations command.
type conversationView struct {
	ID            string    `yaml:"id"`
	Participants  []string  `yaml:"participants"`
	Peer          string    `yaml:"peer,omitempty"`
	LastMessage   string    `yaml:"last_message,omitempty"`
	LastMessageAt time.Time `yaml:"last_message_at,omitempty"`
}

func listConversations(parent context.Context, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLoggerTo(os.Stderr, cfg.Environment, cfg.LogLevel)

	ctx, stop := signalContext(parent)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := chat.NewClient(cfg.APIURL, nil, logger)

	if _, err := authenticate(ctx, client, cfg, appState, logger); err != nil {
		return err
	}

	list, err := client.FetchConversations(ctx)
	if err != nil {
		return err
	}

	return writeConversations(out, list)
}

func writeConversations(out io.Writer, list []models.ConversationSummary) error {
	views := make([]conversationView, 0, len(list))

	for _, c := range list {
		v := conversationView{ID: c.ID, Participants: c.ParticipantIDs}

		if c.Peer != nil {
			v.Peer = c.Peer.DisplayName
		}

		if c.LastMessage != nil {
			v.LastMessage = c.LastMessage.Content
			v.LastMessageAt = c.LastMessage.At
		}

		views = append(views, v)
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)

	if err := enc.Encode(views); err != nil {
		return fmt.Errorf("encoding conversations: %w", err)
	}

	return enc.Close()
}

func logout(out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	if err := appState.ClearCredentials(); err != nil {
		return err
	}

	fmt.Fprintln(out, "logged out")

	return nil
}
