package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/TherapyPipe/internal/agent"
	"github.com/BTreeMap/TherapyPipe/internal/api"
	"github.com/BTreeMap/TherapyPipe/internal/genai"
	"github.com/BTreeMap/TherapyPipe/internal/lockfile"
	"github.com/BTreeMap/TherapyPipe/internal/metrics"
	"github.com/BTreeMap/TherapyPipe/internal/notify"
	"github.com/BTreeMap/TherapyPipe/internal/prompts"
	"github.com/BTreeMap/TherapyPipe/internal/safety"
	"github.com/BTreeMap/TherapyPipe/internal/stage"
	"github.com/BTreeMap/TherapyPipe/internal/store"
	"github.com/BTreeMap/TherapyPipe/internal/util"
	"github.com/BTreeMap/TherapyPipe/internal/workflow"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TherapyPipe state data
	DefaultStateDir = "/var/lib/therapypipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "therapypipe.db"
	// MemoryDSN selects the in-memory store; nothing survives a restart.
	MemoryDSN = "memory"
	// DefaultOutboxPollInterval is how often pending crisis alerts are delivered.
	DefaultOutboxPollInterval = 5 * time.Second
)

func main() {
	loadDotEnv()

	// Initialize structured logger
	initializeLogger(parseLogLevel(os.Getenv("THERAPYPIPE_LOG_LEVEL")))

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)
	config = flags.apply(config)

	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := acquireStateLock(config)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping TherapyPipe", "provider", config.LLMProvider, "api_addr", config.APIAddr, "dsn_type", dsnType(config.DBDSN))
	if err := run(ctx, config); err != nil {
		slog.Error("TherapyPipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("TherapyPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir string
	DBDSN    string
	APIAddr  string

	LLMProvider     string
	OpenAIKey       string
	OpenAIModel     string
	GeminiKey       string
	GeminiModel     string
	SupervisorModel string
	TherapistModel  string
	Temperature     float64
	MaxTokens       int
	TopP            float64

	PromptsFile      string
	StagesFile       string
	SafetyConfigFile string
	WatchPrompts     bool

	MaxTherapistContext  int
	MaxSupervisorContext int
	StatelessPrompts     bool
	SummarizeHistory     bool

	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
	CrisisAlertNumbers []string

	RateLimit float64
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	apiAddr      *string
	llmProvider  *string
	promptsFile  *string
	stagesFile   *string
	safetyConfig *string
	watchPrompts *bool
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
}

// initializeLogger sets up structured logging at level
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// parseLogLevel maps a level name to a slog level. Unknown names mean debug.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables
func loadEnvironmentConfig() Config {
	config := Config{
		StateDir: util.GetEnv("THERAPYPIPE_STATE_DIR", DefaultStateDir),
		APIAddr:  util.GetEnv("API_ADDR", api.DefaultAddr),

		LLMProvider:     util.GetEnv("LLM_PROVIDER", genai.ProviderOpenAI),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     util.GetEnv("OPENAI_MODEL", genai.DefaultOpenAIModel),
		GeminiKey:       os.Getenv("GEMINI_API_KEY"),
		GeminiModel:     util.GetEnv("GEMINI_MODEL", genai.DefaultGeminiModel),
		SupervisorModel: os.Getenv("SUPERVISOR_MODEL"),
		TherapistModel:  os.Getenv("THERAPIST_MODEL"),
		Temperature:     util.ParseFloatEnv("LLM_TEMPERATURE", genai.DefaultTemperature),
		MaxTokens:       util.ParseIntEnv("LLM_MAX_TOKENS", genai.DefaultMaxTokens),
		TopP:            util.ParseFloatEnv("LLM_TOP_P", genai.DefaultTopP),

		PromptsFile:      os.Getenv("PROMPTS_FILE"),
		StagesFile:       os.Getenv("STAGES_FILE"),
		SafetyConfigFile: os.Getenv("SAFETY_CONFIG_FILE"),
		WatchPrompts:     util.ParseBoolEnv("WATCH_PROMPTS", false),

		MaxTherapistContext:  util.ParseIntEnv("MAX_THERAPIST_CONTEXT_MESSAGES", agent.DefaultTherapistContextMessages),
		MaxSupervisorContext: util.ParseIntEnv("MAX_SUPERVISOR_CONTEXT_MESSAGES", agent.DefaultSupervisorContextMessages),
		StatelessPrompts:     util.ParseBoolEnv("STATELESS_PROMPTS", false),
		SummarizeHistory:     util.ParseBoolEnv("SUMMARIZE_HISTORY", true),

		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
		CrisisAlertNumbers: splitList(os.Getenv("CRISIS_ALERT_NUMBER")),

		RateLimit: util.ParseFloatEnv("API_RATE_LIMIT", 0),
	}

	// THERAPYPIPE_DB_DSN wins over DATABASE_URL; without either, SQLite in the state directory
	config.DBDSN = util.GetEnv("THERAPYPIPE_DB_DSN", os.Getenv("DATABASE_URL"))
	if config.DBDSN == "" {
		config.DBDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DBDSN)
	}

	slog.Debug("environment variables loaded",
		"THERAPYPIPE_STATE_DIR", config.StateDir,
		"DB_DSN_SET", config.DBDSN != "",
		"API_ADDR", config.APIAddr,
		"LLM_PROVIDER", config.LLMProvider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"PROMPTS_FILE", config.PromptsFile,
		"STAGES_FILE", config.StagesFile,
		"TWILIO_SET", config.TwilioAccountSID != "",
		"CRISIS_ALERT_NUMBERS", len(config.CrisisAlertNumbers))

	return config
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for TherapyPipe data (overrides $THERAPYPIPE_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DBDSN, "database DSN: SQLite path, Postgres URL or \"memory\" (overrides $THERAPYPIPE_DB_DSN or $DATABASE_URL)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		llmProvider:  flag.String("llm-provider", config.LLMProvider, "LLM provider: openai or gemini (overrides $LLM_PROVIDER)"),
		promptsFile:  flag.String("prompts-file", config.PromptsFile, "YAML or JSON prompt file (overrides $PROMPTS_FILE)"),
		stagesFile:   flag.String("stages-file", config.StagesFile, "YAML or JSON stage list (overrides $STAGES_FILE)"),
		safetyConfig: flag.String("safety-config", config.SafetyConfigFile, "YAML safety keyword overrides (overrides $SAFETY_CONFIG_FILE)"),
		watchPrompts: flag.Bool("watch-prompts", config.WatchPrompts, "reload the prompt file when it changes (overrides $WATCH_PROMPTS)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"llmProvider", *flags.llmProvider,
		"promptsFile", *flags.promptsFile,
		"watchPrompts", *flags.watchPrompts)

	return flags
}

// apply overlays the parsed flags on config. A changed state directory moves
// the default SQLite file with it.
func (f Flags) apply(config Config) Config {
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	if *f.dbDSN == defaultDSN && *f.stateDir != config.StateDir {
		*f.dbDSN = filepath.Join(*f.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *f.stateDir)
	}
	config.StateDir = *f.stateDir
	config.DBDSN = *f.dbDSN
	config.APIAddr = *f.apiAddr
	config.LLMProvider = *f.llmProvider
	config.PromptsFile = *f.promptsFile
	config.StagesFile = *f.stagesFile
	config.SafetyConfigFile = *f.safetyConfig
	config.WatchPrompts = *f.watchPrompts
	return config
}

func dsnType(dsn string) string {
	if dsn == MemoryDSN {
		return MemoryDSN
	}
	return store.DetectDSNType(dsn)
}

// ensureDirectoriesExist creates the directory of a file-based database
func ensureDirectoriesExist(config Config) error {
	if dsnType(config.DBDSN) != "sqlite3" {
		return nil
	}
	dir := filepath.Dir(strings.TrimPrefix(config.DBDSN, "file:"))
	slog.Debug("Creating state directory for file-based database", "state_dir", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return nil
}

// acquireStateLock locks the directory of a file-based database. Other
// backends return a nil lock, whose Release is a no-op.
func acquireStateLock(config Config) (*lockfile.Lock, error) {
	if dsnType(config.DBDSN) != "sqlite3" {
		return nil, nil
	}
	return lockfile.Acquire(filepath.Dir(strings.TrimPrefix(config.DBDSN, "file:")))
}

// openStore opens the backend selected by dsn.
func openStore(dsn string) (store.Store, error) {
	switch dsnType(dsn) {
	case MemoryDSN:
		slog.Warn("openStore: using in-memory store, sessions will not survive a restart")
		return store.NewInMemoryStore(), nil
	case "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
		return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	}
}

// loadPrompts opens the prompt file, or an empty store without one.
func loadPrompts(path string) (*prompts.Store, error) {
	if path == "" {
		slog.Warn("loadPrompts: no prompt file configured, turns will fail until stage prompts are set")
		return prompts.NewStore(prompts.Document{}), nil
	}
	return prompts.LoadFile(path)
}

func loadStages(path string) (*stage.Registry, error) {
	if path == "" {
		return stage.NewDefaultRegistry(), nil
	}
	return stage.LoadFile(path)
}

func loadChecker(path string) (*safety.Checker, error) {
	cfg, err := safety.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return safety.NewChecker(cfg)
}

// buildGenAIOptions constructs GenAI configuration options for one agent role
func buildGenAIOptions(config Config, role string) []genai.Option {
	key, model := config.OpenAIKey, config.OpenAIModel
	if config.LLMProvider == genai.ProviderGemini {
		key, model = config.GeminiKey, config.GeminiModel
	}
	switch role {
	case "supervisor":
		if config.SupervisorModel != "" {
			model = config.SupervisorModel
		}
	case "therapist":
		if config.TherapistModel != "" {
			model = config.TherapistModel
		}
	}
	opts := []genai.Option{
		genai.WithModel(model),
		genai.WithTemperature(config.Temperature),
		genai.WithMaxTokens(config.MaxTokens),
		genai.WithTopP(config.TopP),
	}
	if key != "" {
		opts = append(opts, genai.WithAPIKey(key))
	}
	return opts
}

func providerFunc(config Config) workflow.ProviderFunc {
	return func(ctx context.Context, role string) (genai.Provider, error) {
		return genai.NewProvider(ctx, config.LLMProvider, buildGenAIOptions(config, role)...)
	}
}

// buildAgentOptions constructs supervisor and therapist options
func buildAgentOptions(config Config) (supervisor, therapist []agent.Option) {
	supervisor = []agent.Option{agent.WithMaxContextMessages(config.MaxSupervisorContext)}
	therapist = []agent.Option{agent.WithMaxContextMessages(config.MaxTherapistContext)}
	if config.StatelessPrompts {
		supervisor = append(supervisor, agent.WithStatelessPrompts())
		therapist = append(therapist, agent.WithStatelessPrompts())
	}
	return supervisor, therapist
}

// buildAlertSendFunc picks the crisis alert channel: Twilio SMS when it is
// fully configured, the log otherwise.
func buildAlertSendFunc(config Config) (store.OutboxSendFunc, string) {
	if config.TwilioAccountSID == "" {
		return notify.LogSendFunc, "log"
	}
	if len(config.CrisisAlertNumbers) == 0 {
		slog.Warn("buildAlertSendFunc: Twilio configured without CRISIS_ALERT_NUMBER, alerts are only logged")
		return notify.LogSendFunc, "log"
	}
	client, err := notify.NewTwilioClient(
		notify.WithAccountSID(config.TwilioAccountSID),
		notify.WithAuthToken(config.TwilioAuthToken),
		notify.WithFromNumber(config.TwilioFromNumber),
	)
	if err != nil {
		slog.Error("buildAlertSendFunc: Twilio unavailable, alerts are only logged", "error", err)
		return notify.LogSendFunc, "log"
	}
	return notify.AlertSendFunc(client, config.CrisisAlertNumbers...), "sms"
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, m *metrics.Metrics, p *prompts.Store, repo store.SessionRepo) []api.Option {
	opts := []api.Option{
		api.WithMetricsHandler(m.Handler()),
		api.WithPrompts(p),
		api.WithRepo(repo),
	}
	if config.APIAddr != "" {
		opts = append(opts, api.WithAddr(config.APIAddr))
	}
	if config.RateLimit > 0 {
		opts = append(opts, api.WithRateLimit(config.RateLimit, 0))
	}
	return opts
}

// run wires every component and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, config Config) error {
	st, err := openStore(config.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("run: failed to close store", "error", err)
		}
	}()

	stages, err := loadStages(config.StagesFile)
	if err != nil {
		return err
	}
	promptStore, err := loadPrompts(config.PromptsFile)
	if err != nil {
		return err
	}
	checker, err := loadChecker(config.SafetyConfigFile)
	if err != nil {
		return err
	}

	m := metrics.New()
	supOpts, thOpts := buildAgentOptions(config)
	factory, err := workflow.NewFactory(workflow.Config{
		Repo:              st,
		Stages:            stages,
		Prompts:           promptStore,
		Checker:           checker,
		Notifier:          notify.Multi{notify.LogNotifier{}, notify.NewOutboxNotifier(st)},
		NewProvider:       providerFunc(config),
		Observer:          m,
		LLMObserver:       m,
		SupervisorOptions: supOpts,
		TherapistOptions:  thOpts,
		Summarize:         config.SummarizeHistory,
	})
	if err != nil {
		return err
	}
	sessions := workflow.NewSessions(factory, m)

	server, err := api.NewServer(sessions, buildAPIOptions(config, m, promptStore, st)...)
	if err != nil {
		return err
	}

	sendFunc, channel := buildAlertSendFunc(config)
	sender := store.NewOutboxSender(st, sendFunc, DefaultOutboxPollInterval, store.WithOutboxObserver(m.ObserveOutboxDelivery))
	if err := sender.RecoverStaleMessages(); err != nil {
		slog.Warn("run: failed to recover stale outbox messages", "error", err)
	}
	slog.Info("run: crisis alert channel configured", "channel", channel)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		sender.Run(gctx)
		return nil
	})
	if config.WatchPrompts {
		g.Go(func() error {
			err := promptStore.Watch(gctx, func() {
				slog.Info("run: prompts reloaded", "path", promptStore.Path())
			})
			if errors.Is(err, prompts.ErrNoPath) {
				slog.Warn("run: WATCH_PROMPTS set without a prompt file")
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
