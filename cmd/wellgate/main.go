// =============================================================================
// wellgate 主入口
// =============================================================================
// AI 请求网关与记忆管道的服务入口，包含 HTTP 服务、健康检查、
// Prometheus 指标与配置热重载。
//
// 使用方法:
//
//	wellgate serve                       # 启动服务
//	wellgate serve --config wellgate.yaml  # 指定配置文件
//	wellgate version                     # 显示版本信息
//	wellgate health                      # 健康检查
//
// 退出码: 0 正常退出；1 配置或启动失败；2 运行时异常退出。
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	wellgate "github.com/BaSui01/wellgate"
	"github.com/BaSui01/wellgate/config"
	"github.com/BaSui01/wellgate/flags"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "version":
		printVersion()
	case "health":
		os.Exit(runHealthCheck(os.Args[2:]))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting wellgate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	app, err := wellgate.NewApp(cfg, logger)
	if err != nil {
		logger.Error("Failed to assemble application", zap.Error(err))
		return 1
	}

	if err := app.Start(); err != nil {
		logger.Error("Failed to start server", zap.Error(err))
		return 1
	}

	// 配置文件变更时只热更灰度开关；其余配置项需重启生效
	var watcher *config.Watcher
	if *configPath != "" {
		watcher = config.NewWatcher(loader, *configPath, 5*time.Second, logger)
		watcher.OnReload(func(next *config.Config) {
			fm := app.Flags()
			fm.SetRollout(flags.FlagAdvancedMemory, next.Flags.AdvancedMemory)
			fm.SetRollout(flags.FlagRealtimeDedup, next.Flags.RealtimeDedup)
			fm.SetRollout(flags.FlagEnhancedPrompts, next.Flags.EnhancedPrompts)
			fm.SetRollout(flags.FlagBatchProcessing, next.Flags.BatchProcessing)
			fm.SetRollout(flags.FlagCircuitBreakers, next.Flags.CircuitBreakers)
		})
		watcher.Start(context.Background())
	}

	runErr := app.WaitForShutdown()

	if watcher != nil {
		watcher.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
	}

	if runErr != nil {
		return 2
	}
	logger.Info("wellgate stopped")
	return 0
}

// =============================================================================
// 🩺 health 命令
// =============================================================================

func runHealthCheck(args []string) int {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server base URL")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check returned status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Println("OK")
	return 0
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}

func printVersion() {
	fmt.Printf("wellgate %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
}

func printUsage() {
	fmt.Print(`wellgate - AI request gateway & memory pipeline

Usage:
  wellgate serve [--config path]   Start the gateway
  wellgate health [--addr url]     Probe a running gateway
  wellgate version                 Print version information
  wellgate help                    Show this help
`)
}
