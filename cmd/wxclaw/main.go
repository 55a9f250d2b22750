package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/wxclaw/wxclaw/pkg/bus"
	"github.com/wxclaw/wxclaw/pkg/channels"
	"github.com/wxclaw/wxclaw/pkg/config"
	"github.com/wxclaw/wxclaw/pkg/cron"
	"github.com/wxclaw/wxclaw/pkg/gateway"
	"github.com/wxclaw/wxclaw/pkg/logger"
	"github.com/wxclaw/wxclaw/pkg/metrics"
	"github.com/wxclaw/wxclaw/pkg/wxhttp"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	if err := loadEnvFile(".env"); err != nil && !os.IsNotExist(err) {
		fmt.Printf("Error loading .env: %v\n", err)
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "onboard":
		onboard()
	case "gateway":
		gatewayCmd()
	case "console":
		consoleCmd()
	case "status":
		statusCmd()
	case "version", "--version", "-v":
		fmt.Printf("wxclaw v%s\n", version)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("wxclaw - wxhttp IM adapter v%s\n\n", version)
	fmt.Println("Usage: wxclaw <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  onboard     Write the default configuration")
	fmt.Println("  gateway     Start polling and serve the gateway")
	fmt.Println("  console     Send messages interactively")
	fmt.Println("  status      Show configuration status")
	fmt.Println("  version     Show version information")
}

func getConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wxclaw", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func onboard() {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" {
			fmt.Println("Aborted.")
			return
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("wxclaw is ready!")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set channels.wxhttp.base_url and wxid in", configPath)
	fmt.Println("  2. Set channels.wxhttp.enabled to true")
	fmt.Println("  3. Run: wxclaw gateway")
}

func setupLogging(cfg *config.Config, debug bool) {
	level := logger.ParseLevel(cfg.Logging.Level)
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)

	if path := cfg.LogFilePath(); path != "" {
		if err := logger.EnableFileLogging(path, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays); err != nil {
			fmt.Printf("Error enabling file logging: %v\n", err)
		}
	}
}

func hasFlag(args []string, names ...string) bool {
	for _, arg := range args {
		for _, name := range names {
			if arg == name {
				return true
			}
		}
	}
	return false
}

func gatewayCmd() {
	debug := hasFlag(os.Args[2:], "--debug", "-d")

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg, debug)
	defer logger.Sync()
	if debug {
		fmt.Println("Debug mode enabled")
	}

	metrics.Register()

	msgBus := bus.NewMessageBus()
	channelManager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		fmt.Printf("Error creating channel manager: %v\n", err)
		os.Exit(1)
	}

	enabledChannels := channelManager.GetEnabledChannels()
	if len(enabledChannels) > 0 {
		fmt.Printf("Channels enabled: %s\n", enabledChannels)
	} else {
		fmt.Println("Warning: No channels enabled")
	}

	cronService := setupCron(cfg)

	hub := gateway.NewHub(msgBus, "wxhttp")
	server := gateway.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, hub, channelManager.GetStatus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		fmt.Printf("Error starting gateway server: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Gateway started on %s\n", server.Addr())

	if err := cronService.Start(); err != nil {
		fmt.Printf("Error starting cron service: %v\n", err)
	}

	if err := channelManager.StartAll(ctx); err != nil {
		fmt.Printf("Error starting channels: %v\n", err)
	}
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-pollStopped(channelManager):
		fmt.Println("\nwxhttp polling stopped after repeated sync errors")
	}

	fmt.Println("\nShutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	cronService.Stop()
	channelManager.StopAll(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WarnCF("gateway", "Gateway shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	msgBus.Close()
	fmt.Println("Gateway stopped")
}

// pollStopped is closed when the wxhttp poll loop exits. It never fires when
// the channel is not running.
func pollStopped(m *channels.Manager) <-chan struct{} {
	ch, ok := m.GetChannel("wxhttp")
	if !ok {
		return nil
	}
	poller, ok := ch.(interface{ Done() <-chan struct{} })
	if !ok || !ch.IsRunning() {
		return nil
	}
	return poller.Done()
}

func setupCron(cfg *config.Config) *cron.Service {
	cronService := cron.NewService()

	retention := cfg.Media.RetentionDays
	expr := strings.TrimSpace(cfg.Media.CleanupCron)
	if retention <= 0 || expr == "" {
		logger.InfoC("cron", "Media retention disabled")
		return cronService
	}

	mediaRoot := cfg.Channels.WxHTTP.MediaPath()
	_, err := cronService.AddJob("media-retention", expr, func(now time.Time) error {
		removed, err := channels.PruneMedia(mediaRoot, retention, now)
		if err != nil {
			return err
		}
		logger.InfoCF("cron", "Media retention sweep finished", map[string]interface{}{
			"removed_dirs": removed,
			"root":         mediaRoot,
		})
		return nil
	})
	if err != nil {
		fmt.Printf("Error registering media retention job: %v\n", err)
	}
	return cronService
}

func statusCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	configPath := getConfigPath()

	fmt.Println("wxclaw Status")
	fmt.Println()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "ok")
	} else {
		fmt.Println("Config:", configPath, "missing")
	}

	wx := cfg.Channels.WxHTTP
	status := func(v string) string {
		if v == "" {
			return "not set"
		}
		return v
	}
	fmt.Println("wxhttp enabled:", wx.Enabled)
	fmt.Println("Base URL:", status(wx.BaseURL))
	fmt.Println("Wxid:", status(wx.Wxid))
	fmt.Printf("Poll interval: %s (synckey mode: %v)\n", wx.PollInterval(), wx.UseClientSynckey)
	fmt.Println("Send delay:", wx.SendDelayRange.String())
	fmt.Println("API delay:", wx.APIRequestDelayRange.String())
	fmt.Println("Media dir:", wx.MediaPath())
	fmt.Printf("Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
}

func consoleCmd() {
	to := ""
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--to", "-t":
			if i+1 < len(args) {
				to = args[i+1]
				i++
			}
		case "--debug", "-d":
			logger.SetLevel(logger.DEBUG)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	wx := cfg.Channels.WxHTTP
	if wx.BaseURL == "" || wx.Wxid == "" {
		fmt.Println("channels.wxhttp.base_url and wxid must be set")
		os.Exit(1)
	}

	client := wxhttp.NewClient(wx.BaseURL, wx.Wxid, wx.RequestTimeout())
	queue := wxhttp.NewQueue(client.Post, wx.Wxid,
		wx.APIRequestDelayRange.MinDuration(), wx.APIRequestDelayRange.MaxDuration())
	client.SetQueue(queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go queue.Run(ctx)

	fmt.Println("Interactive console (/to <wxid> to switch target, /quit to exit)")
	session := &consoleSession{client: client, to: to}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          session.prompt(),
		HistoryFile:     filepath.Join(os.TempDir(), ".wxclaw_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleConsole(ctx, session)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !session.handle(ctx, line) {
			return
		}
		rl.SetPrompt(session.prompt())
	}
}

func simpleConsole(ctx context.Context, session *consoleSession) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print(session.prompt())
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !session.handle(ctx, line) {
			return
		}
	}
}

type textSender interface {
	SendText(ctx context.Context, toWxid, content, at string) (*wxhttp.Response, error)
}

type consoleSession struct {
	client textSender
	to     string
}

func (s *consoleSession) prompt() string {
	if s.to == "" {
		return "(no target)> "
	}
	return s.to + "> "
}

// handle processes one console line and reports whether to keep reading.
func (s *consoleSession) handle(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	switch {
	case input == "":
		return true
	case input == "/quit" || input == "/exit":
		fmt.Println("Goodbye!")
		return false
	case strings.HasPrefix(input, "/to"):
		target := strings.TrimSpace(strings.TrimPrefix(input, "/to"))
		if target == "" {
			fmt.Println("Usage: /to <wxid>")
			return true
		}
		s.to = target
		fmt.Printf("Target set to %s\n", target)
		return true
	}

	if s.to == "" {
		fmt.Println("No target set, use /to <wxid>")
		return true
	}

	resp, err := s.client.SendText(ctx, s.to, input, "")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return true
	}
	if resp.OK() {
		fmt.Println("sent")
	} else {
		fmt.Printf("server replied: %s\n", resp.Message())
	}
	return true
}
