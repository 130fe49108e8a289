package cmd

import (
	"context"
	"errors"
	"fmt"
	"github.com/LycanLD/SpamuBot/spamubot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = spamubot.DefaultConfig()
	configFile string
)

// legacyEnvVars are the environment variable names the original bot
// read, bound in addition to the prefixed names
var legacyEnvVars = map[string]string{
	"discord.token": "DISCORD_BOT_TOKEN",
	"api.secret":    "CONTROL_PANEL_SECRET",
	"api.password":  "CONTROL_PANEL_PASSWORD",
}

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "spamubot [flags]",
	Short: "Discord support bot with a web control panel",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
			// configured lists replace the defaults instead of
			// overwriting them element by element
			viper.DecoderConfigOption(
				func(c *mapstructure.DecoderConfig) {
					c.ZeroFields = true
				},
			),
		)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names ("DEBUG", "warn") into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr || t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command. SIGINT, SIGTERM and SIGHUP cancel the
// command's context. A requested restart exits with the configured
// restart exit code.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	go func() {
		select {
		case sig := <-signals:
			log.Printf("received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	err := rootCmd.ExecuteContext(ctx)
	signal.Stop(signals)
	cancel()
	if err != nil && !errors.Is(err, spamubot.ErrRestartRequested) {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err, cfg.RestartExitCode))
}

// exitCode maps the result of a command to a process exit code
func exitCode(err error, restartExitCode int) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, spamubot.ErrRestartRequested):
		return restartExitCode
	default:
		return 1
	}
}

func initConfig() {
	// levels are stored as *slog.LevelVar below, which can't be parsed
	// again if the command is executed more than once
	viper.Reset()

	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("data_dir", spamubot.DefaultDataDir)
	viper.SetDefault("database", spamubot.DefaultDatabase)
	viper.SetDefault("database_type", spamubot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		spamubot.DefaultDatabaseSlowThresh,
	)
	viper.SetDefault(
		"database_log_level",
		spamubot.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", spamubot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", spamubot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", spamubot.DefaultShutdownTimeout)
	viper.SetDefault("restart_exit_code", spamubot.DefaultRestartExitCode)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault(
		"discord.log_level",
		spamubot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		spamubot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		spamubot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.version_tag", spamubot.DefaultDiscordVersionTag)

	// API config
	viper.SetDefault("api.listen", spamubot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.password", "")
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.log_level", spamubot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.secure_cookie", false)
	viper.SetDefault("api.session_max_age", spamubot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.session_idle_timeout", spamubot.DefaultAPISessionIdle)
	viper.SetDefault("api.login_rate_limit", spamubot.DefaultAPILoginRateLimit)
	viper.SetDefault("api.read_timeout", spamubot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		spamubot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", spamubot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", spamubot.DefaultIdleTimeout)

	// API: SSL config
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", spamubot.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		spamubot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		spamubot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		spamubot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", spamubot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		spamubot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(spamubot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = spamubot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// the prefixed name takes precedence over the legacy one
	for key, legacy := range legacyEnvVars {
		prefixed := strings.ToUpper(envPrefix + "_" + replacer.Replace(key))
		if err := viper.BindEnv(key, prefixed, legacy); err != nil {
			log.Fatalf("error binding %s: %v", key, err)
		}
	}

	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits // cobra wiring
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		".env file to load",
	)
}
