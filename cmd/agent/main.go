package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/foldersync/internal/config"
	"github.com/openmined/foldersync/internal/utils"
	"github.com/openmined/foldersync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const envPrefix = "FOLDERSYNC"

var consoleLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:     "foldersync",
	Short:   "Keep local folders backed up to an object store",
	Version: version.Detailed(),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose || os.Getenv(envPrefix+"_DEBUG") != "" {
			consoleLevel.Set(slog.LevelDebug)
		}
	},
}

func init() {
	addPersistentFlags(rootCmd)
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "FolderSync config file")
	cmd.PersistentFlags().StringP("datadir", "d", "", "FolderSync data directory")
	cmd.PersistentFlags().String("backend", "", "Remote backend (s3 or minio)")
	cmd.PersistentFlags().String("endpoint", "", "Object store endpoint")
	cmd.PersistentFlags().String("bucket", "", "Object store bucket")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output to the console")
}

func main() {
	logFile := &lumberjack.Logger{
		Filename:   config.DefaultLogFilePath,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	defer logFile.Close()

	// console logs go to stderr so command output stays clean
	consoleHandler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      consoleLevel,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	logInterceptor := utils.NewLogInterceptor(logFile)
	defer logInterceptor.Close()
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor adds its own timestamp
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(consoleHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config, then applies .env,
// FOLDERSYNC_* environment variables and flags on top, in that order.
// A missing config file yields the defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("dotenv", "error", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	flags := cmd.Flags()
	v.BindPFlag("config_path", flags.Lookup("config"))
	v.BindPFlag("data_dir", flags.Lookup("datadir"))
	v.BindPFlag("backend", flags.Lookup("backend"))
	v.BindPFlag("endpoint", flags.Lookup("endpoint"))
	v.BindPFlag("bucket", flags.Lookup("bucket"))

	path, err := utils.ResolvePath(v.GetString("config_path"))
	if err != nil {
		return nil, fmt.Errorf("config path: %w", err)
	}

	cfg, err := config.LoadFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		cfg.Path = path
	} else if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"data_dir":              &cfg.DataDir,
		"ledger_path":           &cfg.LedgerPath,
		"access_token":          &cfg.AccessToken,
		"token_key":             &cfg.TokenKey,
		"backend":               &cfg.Backend,
		"endpoint":              &cfg.Endpoint,
		"region":                &cfg.Region,
		"bucket":                &cfg.Bucket,
		"access_key":            &cfg.AccessKey,
		"secret_key":            &cfg.SecretKey,
		"default_remote_folder": &cfg.DefaultRemoteFolder,
		"control_token":         &cfg.ControlToken,
	}
	for key, dst := range overrides {
		if v.IsSet(key) && v.GetString(key) != "" {
			*dst = v.GetString(key)
		}
	}
	if v.IsSet("control_addr") {
		cfg.ControlAddr = v.GetString("control_addr")
	}
	if v.IsSet("quiet_period") {
		cfg.QuietPeriod = config.Duration(v.GetDuration("quiet_period"))
	}
	if v.IsSet("sync_interval") {
		cfg.SyncInterval = config.Duration(v.GetDuration("sync_interval"))
	}

	if cfg.DataDir, err = utils.ResolvePath(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	return cfg, nil
}
