// Command relayd runs the agent-run control plane: the HTTP surface,
// the run worker, the trigger scheduler and their shared stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/buffer"
	"github.com/everydev1618/relay/llm"
	"github.com/everydev1618/relay/sandbox"
	"github.com/everydev1618/relay/serve"
	"github.com/everydev1618/relay/store"
	"github.com/everydev1618/relay/tools"
	"github.com/everydev1618/relay/trigger"
	"github.com/everydev1618/relay/worker"
)

// Config is the daemon configuration file.
type Config struct {
	Addr           string `yaml:"addr"`
	InstanceID     string `yaml:"instance_id"`
	RedisAddr      string `yaml:"redis_addr"`
	DBPath         string `yaml:"db_path"`
	Model          string `yaml:"model"`
	FallbackModel  string `yaml:"fallback_model"`
	WebhookBaseURL string `yaml:"webhook_base_url"`
	SandboxDir     string `yaml:"sandbox_dir"`
}

func defaultConfig() Config {
	return Config{
		Addr:           ":3000",
		RedisAddr:      "",
		DBPath:         "relay.db",
		Model:          llm.DefaultAnthropicModel,
		WebhookBaseURL: "http://localhost:3000",
		SandboxDir:     ".relay",
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "relay.yaml", "path to config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	if err := run(*configPath, *addr); err != nil {
		slog.Error("relayd failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.Addr = addrOverride
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()[:8]
	}

	st, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Init(); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	var broker buffer.Broker
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", cfg.RedisAddr, err)
		}
		broker = buffer.NewRedis(client)
		slog.Info("using redis broker", "addr", cfg.RedisAddr)
	} else {
		broker = buffer.NewMemory()
		slog.Info("using in-memory broker")
	}
	defer broker.Close()

	registry := relay.NewRegistry(cfg.InstanceID, broker)

	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg, nil); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	transport := llm.NewAnthropic()
	var workerOpts []worker.Option
	if cfg.FallbackModel != "" {
		workerOpts = append(workerOpts,
			worker.WithFallbackTransport(llm.NewAnthropic()),
			worker.WithFallbackModel(cfg.FallbackModel))
	}
	w := worker.New(registry, broker, st, transport, toolReg, workerOpts...)

	scheduler := trigger.NewCronScheduler()
	triggerSvc := trigger.NewService(st,
		trigger.NewScheduleProvider(scheduler, cfg.WebhookBaseURL),
		trigger.NewWebhookProvider(),
	)

	var execOpts []trigger.ExecutorOption
	if sb, err := sandbox.NewDocker(cfg.SandboxDir); err == nil && sb.Available() {
		execOpts = append(execOpts, trigger.WithSandbox(sandboxAdapter{sb}))
		slog.Info("docker sandbox provider enabled")
	} else {
		slog.Warn("docker unavailable, runs execute without sandboxes")
	}
	executor := trigger.NewExecutor(st, w, cfg.InstanceID, cfg.Model, execOpts...)

	server := serve.New(serve.Config{Addr: cfg.Addr}, st, broker, w,
		serve.WithTriggers(triggerSvc, executor))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	slog.Info("relayd started", "addr", cfg.Addr, "instance_id", cfg.InstanceID)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop active runs before closing the listener so viewers receive
	// their terminal signals.
	w.Shutdown(shutdownCtx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	return nil
}

// sandboxAdapter narrows the Docker provider to the bridge interface.
type sandboxAdapter struct {
	provider *sandbox.Docker
}

func (a sandboxAdapter) Create(ctx context.Context, password, projectID string) (string, string, tools.Workspace, error) {
	sb, err := a.provider.Create(ctx, password, projectID)
	if err != nil {
		return "", "", nil, err
	}
	return sb.ID(), sb.PreviewLink(8080).URL, sb, nil
}
