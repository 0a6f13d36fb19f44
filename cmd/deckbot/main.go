package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/deckbot/internal/config"
	"github.com/stellarlinkco/deckbot/internal/deck"
	"github.com/stellarlinkco/deckbot/internal/gateway"
	"github.com/stellarlinkco/deckbot/internal/googleauth"
	"github.com/stellarlinkco/deckbot/internal/router"
	"github.com/stellarlinkco/deckbot/pkg/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "deckbot",
		Short:         "deckbot - turn chat messages into Google Slides decks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	gatewayCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (channels + ops server + maintenance)",
		RunE:  runGateway,
	}

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write the default config and reply templates",
		RunE:  runOnboard,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show deckbot configuration",
		RunE:  runStatus,
	}

	compileCmd := &cobra.Command{
		Use:   "compile",
		Short: "Preview the deck a message compiles to, without calling Google",
		RunE:  runCompile,
	}
	compileCmd.Flags().StringP("message", "m", "", "message text (default: read stdin)")
	compileCmd.Flags().Bool("json", false, "print the deck as JSON")

	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize deckbot's Google account",
		RunE:  runAuth,
	}
	authCmd.Flags().String("code", "", "authorization code from the consent page")

	root.AddCommand(gatewayCmd, onboardCmd, statusCmd, compileCmd, authCmd)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.Log.Development {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.Log.Level)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := setupLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetGlobal(log)
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	gw, err := gateway.NewWithOptions(ctx, cfg, gateway.Options{Logger: log})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	if err := gw.Run(ctx); err != nil {
		log.Error("gateway stopped with error", zap.Error(err))
		return err
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if path := cfg.Router.RepliesPath; path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := router.SaveReplies(path, router.DefaultReplies()); err != nil {
				return fmt.Errorf("write replies: %w", err)
			}
			fmt.Fprintf(out, "  Created: %s\n", path)
		}
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Set slides.clientId and slides.clientSecret in %s\n", cfgPath)
	fmt.Fprintln(out, "     (or DECKBOT_GOOGLE_CLIENT_ID / DECKBOT_GOOGLE_CLIENT_SECRET)")
	fmt.Fprintln(out, "  2. Run 'deckbot auth' to authorize a Google account")
	fmt.Fprintln(out, "  3. Enable a channel and run 'deckbot gateway'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Fprintf(out, "WhatsApp: enabled=%v\n", cfg.Channels.WhatsApp.Enabled)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "WebUI: enabled=%v\n", cfg.Channels.WebUI.Enabled)

	switch strings.ToLower(cfg.History.Backend) {
	case "dynamodb":
		fmt.Fprintf(out, "History: dynamodb (table %s)\n", cfg.History.DynamoTable)
	default:
		fmt.Fprintf(out, "History: sqlite (%s)\n", cfg.History.DBPath)
	}
	fmt.Fprintf(out, "Google client: %s\n", maskSecret(cfg.Slides.ClientID))
	fmt.Fprintf(out, "Google account: %s\n", googleAccountStatus(cfg))

	if cfg.Events.NATSURL != "" {
		fmt.Fprintf(out, "Events: %s (subject %s)\n", cfg.Events.NATSURL, cfg.Events.Subject)
	} else {
		fmt.Fprintln(out, "Events: disabled")
	}
	return nil
}

func googleAccountStatus(cfg *config.Config) string {
	auth, err := googleauth.New(googleauth.Config{
		ClientID:     cfg.Slides.ClientID,
		ClientSecret: cfg.Slides.ClientSecret,
		RefreshToken: cfg.Slides.RefreshToken,
		TokenPath:    cfg.Slides.TokenPath,
	}, logger.NewNop())
	if err != nil {
		return "no oauth client"
	}
	if auth.HasToken() {
		return "authorized"
	}
	return "not authorized (run 'deckbot auth')"
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return "not set"
	case strings.HasPrefix(s, "ssm:"):
		return s
	case len(s) > 8:
		return s[:4] + "..." + s[len(s)-4:]
	default:
		return "set"
	}
}

func runCompile(cmd *cobra.Command, args []string) error {
	text, _ := cmd.Flags().GetString("message")
	asJSON, _ := cmd.Flags().GetBool("json")

	if text == "" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	}
	if !deck.HasCommandPrefix(text) {
		fmt.Fprintf(cmd.ErrOrStderr(), "note: message does not start with %s; chat users would get the help text\n", deck.CommandPrefix)
	}

	d := deck.Compile(text)
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}

	fmt.Fprintf(out, "Title: %s\n", d.Title)
	fmt.Fprintf(out, "Slides: %d\n", len(d.Slides))
	for i, s := range d.Slides {
		fmt.Fprintf(out, "\n%d. %s\n   %s\n", i+1, s.Title, s.Body)
	}
	return nil
}

// oauthStartURL derives the gateway's consent entry point from the callback URL.
// States are issued per process, so a CLI-issued state is never valid at the
// gateway's callback; the browser flow has to start at the gateway.
func oauthStartURL(redirect string) string {
	const callback = "/oauth/callback"
	redirect = strings.TrimSpace(redirect)
	if !strings.HasSuffix(redirect, callback) {
		return ""
	}
	return strings.TrimSuffix(redirect, callback) + "/oauth/start"
}

func runAuth(cmd *cobra.Command, args []string) error {
	code, _ := cmd.Flags().GetString("code")
	out := cmd.OutOrStdout()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := gateway.ResolveSecrets(ctx, cfg, nil); err != nil {
		return err
	}

	auth, err := googleauth.New(googleauth.Config{
		ClientID:     cfg.Slides.ClientID,
		ClientSecret: cfg.Slides.ClientSecret,
		RedirectURL:  cfg.Slides.RedirectURL,
		RefreshToken: cfg.Slides.RefreshToken,
		TokenPath:    cfg.Slides.TokenPath,
	}, logger.NewNop())
	if err != nil {
		return err
	}

	if code == "" {
		fmt.Fprintln(out, "Open this URL in a browser and approve access:")
		fmt.Fprintf(out, "\n  %s\n\n", auth.AuthCodeURL(auth.NewState()))
		fmt.Fprintln(out, "Then copy the code parameter from the redirected URL (the page itself may")
		fmt.Fprintln(out, "show an error) and run 'deckbot auth --code <code>'.")
		if start := oauthStartURL(cfg.Slides.RedirectURL); start != "" {
			fmt.Fprintf(out, "\nWith the gateway running, open %s instead to authorize in the browser.\n", start)
		}
		return nil
	}

	if _, err := auth.Exchange(ctx, code); err != nil {
		return err
	}
	fmt.Fprintf(out, "Authorized. Token saved to %s\n", cfg.Slides.TokenPath)
	return nil
}
