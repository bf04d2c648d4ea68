// Command voxfold is the main entry point for the voxfold voice pipeline.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/voxfold/voxfold/internal/config"
	"github.com/voxfold/voxfold/internal/observe"
	"github.com/voxfold/voxfold/internal/pipeline"
	"github.com/voxfold/voxfold/internal/resilience"
	"github.com/voxfold/voxfold/internal/role"
	"github.com/voxfold/voxfold/internal/transcript/phonetic"
	"github.com/voxfold/voxfold/pkg/memory"
	"github.com/voxfold/voxfold/pkg/memory/postgres"
	"github.com/voxfold/voxfold/pkg/provider/llm"
	"github.com/voxfold/voxfold/pkg/provider/llm/anyllm"
	"github.com/voxfold/voxfold/pkg/provider/llm/openai"
	"github.com/voxfold/voxfold/pkg/provider/stt"
	"github.com/voxfold/voxfold/pkg/provider/stt/localstream"
	"github.com/voxfold/voxfold/pkg/provider/tts"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ─────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxfold: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxfold: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxfold starting", "config", *configPath, "log_level", cfg.Server.LogLevel)

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "voxfold",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to build metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, ttsProvider, sttProvider, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if llmProvider == nil {
		fmt.Fprintln(os.Stderr, "voxfold: providers.llm.name is required")
		return 2
	}
	if ttsProvider == nil {
		fmt.Fprintln(os.Stderr, "voxfold: providers.tts.name is required")
		return 2
	}

	// ── Optional memory store ─────────────────────────────────────────────────
	var memStore memory.Store
	var closeMemStore func()
	if cfg.Memory.PostgresDSN != "" {
		store, err := postgres.NewStore(context.Background(), cfg.Memory.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect memory store", "err", err)
			return 1
		}
		memStore = store
		closeMemStore = store.Close
		slog.Info("memory store connected")
	}
	if closeMemStore != nil {
		defer closeMemStore()
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Orchestrator ──────────────────────────────────────────────────────────
	roleCfg := role.FromConfig(cfg.Role)
	voice := tts.VoiceProfile{SampleRate: cfg.Audio.PlaybackSampleRate}

	opts := []pipeline.Option{
		pipeline.WithMetrics(metrics),
		pipeline.WithTimeouts(cfg.Timeouts),
		pipeline.WithBargeInConfig(pipeline.BargeInConfig{
			MinChars:    cfg.Audio.BargeInMinChars,
			Grace:       time.Duration(cfg.Audio.BargeInGraceMillis) * time.Millisecond,
			SoftwareAEC: cfg.Audio.AECMode == config.AECModeSoftware,
			Matcher:     phonetic.New(),
		}),
	}
	if memStore != nil {
		opts = append(opts, pipeline.WithMemoryStore(memStore, "default"))
	}
	_ = sttProvider // voice-mode wiring below; text mode never dereferences this.

	orch := pipeline.NewOrchestrator(llmProvider, ttsProvider, voice, roleCfg, opts...)

	if err := orch.Start(ctx); err != nil {
		slog.Error("failed to start orchestrator", "err", err)
		return 1
	}

	printStartupSummary(cfg)
	slog.Info("voxfold ready — type a message and press enter; Ctrl+C to quit")

	go logOutcomes(ctx, orch)
	go runTextLoop(ctx, orch)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := orch.Stop(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runTextLoop reads lines from stdin and submits each as a user turn. This is
// voxfold's thin CLI surface (out of core scope, §6.6): it drives the
// orchestrator the same way a voice front end would via capture+ASR, just
// with typed text standing in for a recognised transcript. A real voice
// front end supplies stt.Provider plus audio.Capture/Playback devices to
// pipeline.WithVoice/WithAEC instead of calling SubmitText directly.
func runTextLoop(ctx context.Context, orch *pipeline.Orchestrator) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := scanner.Text()
		if text == "" {
			continue
		}
		if err := orch.SubmitText(text); err != nil {
			slog.Warn("submit text failed", "err", err)
		}
	}
}

func logOutcomes(ctx context.Context, orch *pipeline.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case outcome, ok := <-orch.Outcomes():
			if !ok {
				return
			}
			switch outcome.Kind {
			case pipeline.OutcomeFailed:
				slog.Error("turn failed", "turn", outcome.TurnID, "err", outcome.Err)
			case pipeline.OutcomeCancelled:
				slog.Info("turn cancelled", "turn", outcome.TurnID, "reason", outcome.CancelReason)
			default:
				fmt.Printf("> %s\n", outcome.AssistantText)
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to implementations shipped
// with voxfold, used only for startup debug logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"},
	"stt": {"localstream"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		providerName := providerName
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			return anyllm.New(providerName, entry.Model)
		})
	}

	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewOllama(entry.Model)
	})

	reg.RegisterSTT("localstream", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []localstream.Option
		if entry.Model != "" {
			opts = append(opts, localstream.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, localstream.WithLanguage(lang))
		}
		return localstream.New(entry.BaseURL, opts...)
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the LLM, TTS and (optional) STT providers
// named in cfg. TTS has no built-in implementation in this tree (§ DESIGN —
// every retrieval-pack TTS dependency turned out to require a vendor SDK
// not present in the example corpus); it must be registered by an embedder
// via reg.RegisterTTS before calling buildProviders, otherwise TTS stays nil
// and run() reports a startup error.
func buildProviders(cfg *config.Config, reg *config.Registry) (llm.Provider, tts.Provider, stt.Provider, error) {
	var llmProvider llm.Provider
	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		llmProvider = resilience.NewLLMFallback(p, name, resilience.FallbackConfig{})
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	var ttsProvider tts.Provider
	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("tts provider not registered — leaving nil", "name", name)
		} else if err != nil {
			return nil, nil, nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ttsProvider = resilience.NewTTSFallback(p, name, resilience.FallbackConfig{})
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	var sttProvider stt.Provider
	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("stt provider not registered — leaving nil", "name", name)
		} else if err != nil {
			return nil, nil, nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			sttProvider = resilience.NewSTTFallback(p, name, resilience.FallbackConfig{})
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	return llmProvider, ttsProvider, sttProvider, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxfold — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	if cfg.Memory.PostgresDSN != "" {
		fmt.Printf("║  Memory          : %-19s ║\n", "connected")
	} else {
		fmt.Printf("║  Memory          : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  AEC mode        : %-19s ║\n", cfg.Audio.AECMode)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ──────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
