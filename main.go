package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ringside/ammo"
	"ringside/db"
	"ringside/session"
	"ringside/snd"
	"ringside/store"
	"ringside/stt"
	"ringside/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listCallsCmd)
	rootCmd.AddCommand(encodeWavCmd)

	rootCmd.PersistentFlags().
		String("database-url", "", "Postgres connection URL")
	rootCmd.PersistentFlags().
		String("deepgram-api-key", "", "Deepgram API key")
	rootCmd.PersistentFlags().
		String("speechmatics-api-key", "", "Speechmatics API key")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().String("gemini-api-key", "", "Gemini API key")
	rootCmd.PersistentFlags().
		String("llm", "openai", "Extraction model provider (openai or gemini)")
	rootCmd.PersistentFlags().
		String("storage-url", "", "Recording storage base URL")
	rootCmd.PersistentFlags().
		String("storage-key", "", "Recording storage service key")
	rootCmd.PersistentFlags().
		String("storage-bucket", "recordings", "Recording storage bucket")
	rootCmd.PersistentFlags().Int("port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().
		String("strategy", web.StrategyMultichannel,
			"Default transcription strategy")

	for flag, key := range map[string]string{
		"database-url":         "database_url",
		"deepgram-api-key":     "deepgram_api_key",
		"speechmatics-api-key": "speechmatics_api_key",
		"openai-api-key":       "openai_api_key",
		"gemini-api-key":       "gemini_api_key",
		"llm":                  "llm",
		"storage-url":          "storage_url",
		"storage-key":          "storage_key",
		"storage-bucket":       "storage_bucket",
		"port":                 "port",
		"strategy":             "strategy",
	} {
		viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag))
	}

	encodeWavCmd.Flags().
		Int("sample-rate", snd.DefaultSampleRate, "PCM sample rate")
	encodeWavCmd.Flags().
		Int("channels", snd.DefaultChannels, "PCM channel count")
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "ringside",
	Short: "Ringside is a live sales call intelligence server",
	Long:  `Ringside transcribes sales calls in real time and mines the prospect's words for usable ammo.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the call server",
	Run:   runServe,
}

var listCallsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent calls in a cool table",
	Run:   runListCalls,
}

var encodeWavCmd = &cobra.Command{
	Use:   "encodewav <raw-pcm-file> <output.wav>",
	Short: "Wrap a raw 16-bit PCM file in a WAV container",
	Args:  cobra.ExactArgs(2),
	Run:   runEncodeWav,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) {
	mainLogger, webLogger, hearLogger, ammoLogger, sqlLogger := createLoggers()

	databaseURL := viper.GetString("database_url")
	deepgramAPIKey := viper.GetString("deepgram_api_key")
	speechmaticsAPIKey := viper.GetString("speechmatics_api_key")

	if databaseURL == "" {
		mainLogger.Fatal("missing DATABASE_URL or --database-url=")
	}
	if deepgramAPIKey == "" && speechmaticsAPIKey == "" {
		mainLogger.Fatal(
			"need DEEPGRAM_API_KEY or SPEECHMATICS_API_KEY, got neither",
		)
	}

	ctx := context.Background()

	gateway, err := db.OpenDatabase(ctx, databaseURL)
	if err != nil {
		mainLogger.Fatal("initialize database", "error", err.Error())
	}
	defer gateway.Close()
	sqlLogger.Info("database ready")

	capability, err := makeCapability(ctx)
	if err != nil {
		mainLogger.Fatal("create extraction model", "error", err.Error())
	}

	backends := make(map[string]stt.SpeechRecognition)
	if deepgramAPIKey != "" {
		backends[web.StrategyMultichannel] =
			stt.NewDeepgramClient(deepgramAPIKey, hearLogger)
	}
	if speechmaticsAPIKey != "" {
		backends[web.StrategyDiarized] =
			stt.NewSpeechmaticsClient(speechmaticsAPIKey, hearLogger)
	}

	strategy := viper.GetString("strategy")
	if _, ok := backends[strategy]; !ok {
		mainLogger.Warn("configured strategy has no backend, falling back",
			"strategy", strategy)
		for s := range backends {
			strategy = s
		}
	}

	var recordings store.RecordingStore
	if url := viper.GetString("storage_url"); url != "" {
		bucket, err := store.NewBucketStore(
			url,
			viper.GetString("storage_key"),
			viper.GetString("storage_bucket"),
		)
		if err != nil {
			mainLogger.Fatal("create recording store", "error", err.Error())
		}
		recordings = bucket
	} else {
		mainLogger.Warn("no storage configured, recordings disabled")
	}

	deps := session.Deps{
		Engine:  ammo.NewEngine(capability, ammoLogger),
		Gateway: gateway,
		Store:   recordings,
		Logger:  mainLogger.With().WithPrefix("call"),
	}

	handler := web.NewHandler(deps, session.Config{}, backends, strategy, webLogger)

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	srv := &http.Server{Addr: addr, Handler: handler.Router()}

	go func() {
		mainLogger.Info("listening", "addr", addr, "strategy", strategy)
		if err := srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			mainLogger.Fatal("http server", "error", err.Error())
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	mainLogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLogger.Error("shutdown", "error", err.Error())
	}
}

// makeCapability picks the extraction model provider. OpenAI is the
// default; Gemini is opt-in via --llm=gemini.
func makeCapability(ctx context.Context) (ammo.Capability, error) {
	switch provider := viper.GetString("llm"); provider {
	case "openai", "":
		apiKey := viper.GetString("openai_api_key")
		if apiKey == "" {
			return nil, fmt.Errorf("missing OPENAI_API_KEY or --openai-api-key=")
		}
		return ammo.NewOpenAICapability(apiKey, ""), nil
	case "gemini":
		apiKey := viper.GetString("gemini_api_key")
		if apiKey == "" {
			return nil, fmt.Errorf("missing GEMINI_API_KEY or --gemini-api-key=")
		}
		return ammo.NewGeminiCapability(ctx, apiKey, "")
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

func runListCalls(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _, _ := createLoggers()

	databaseURL := viper.GetString("database_url")
	if databaseURL == "" {
		mainLogger.Fatal("missing DATABASE_URL or --database-url=")
	}

	gateway, err := db.OpenDatabase(context.Background(), databaseURL)
	if err != nil {
		mainLogger.Fatal("initialize database", "error", err.Error())
	}
	defer gateway.Close()

	calls, err := gateway.ListRecentCalls(context.Background(), 50)
	if err != nil {
		mainLogger.Fatal("fetch calls", "error", err.Error())
	}

	if len(calls) == 0 {
		fmt.Println("No calls found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Started At", "Tenant", "Prospect", "State", "Duration", "Ammo"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, call := range calls {
		table.Append([]string{
			call.ID,
			call.StartedAt.Format("2006-01-02 15:04:05"),
			call.TenantID,
			call.ProspectName,
			call.State,
			fmt.Sprintf("%.1f s", call.Duration.Seconds()),
			fmt.Sprintf("%d", call.AmmoCount),
		})
	}

	table.Render()
}

func runEncodeWav(cmd *cobra.Command, args []string) {
	mainLogger, _, _, _, _ := createLoggers()

	sampleRate, _ := cmd.Flags().GetInt("sample-rate")
	channels, _ := cmd.Flags().GetInt("channels")

	pcm, err := os.ReadFile(args[0])
	if err != nil {
		mainLogger.Fatal("read pcm file", "error", err.Error())
	}

	wav, err := snd.EncodeWAV([][]byte{pcm}, sampleRate, channels)
	if err != nil {
		mainLogger.Fatal("encode wav", "error", err.Error())
	}

	if err := os.WriteFile(args[1], wav, 0o644); err != nil {
		mainLogger.Fatal("write wav file", "error", err.Error())
	}

	mainLogger.Info("wrote wav",
		"file", args[1],
		"bytes", len(wav),
		"seconds", float64(len(pcm))/float64(sampleRate*channels*2))
}

func createLoggers() (mainLogger, webLogger, hearLogger, ammoLogger, sqlLogger *log.Logger) {
	logLevel := log.DebugLevel

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	webLogger = logger.With().WithPrefix("web")
	hearLogger = logger.With().WithPrefix("hear")
	ammoLogger = logger.With().WithPrefix("ammo")
	sqlLogger = logger.With().WithPrefix("data")

	return
}
