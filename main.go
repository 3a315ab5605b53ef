package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/gemhub/gemhub/internal/cache"
	"github.com/gemhub/gemhub/internal/config"
	"github.com/gemhub/gemhub/internal/logging"
	"github.com/gemhub/gemhub/internal/mirror"
	"github.com/gemhub/gemhub/internal/server"
	"github.com/gemhub/gemhub/internal/server/routes"
	"github.com/gemhub/gemhub/internal/transport"
	"github.com/gemhub/gemhub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	syncOnly    bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sources"] = config.SourceNames(cfg.Sources)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序为“配置 → 磁盘缓存 → 上游客户端 → Source 分组 → Fiber server”，
	// 所有请求共享同一份 Source 与缓存实例。
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	group, err := mirror.New(ctx, cfg, mirror.Options{
		Client: transport.NewClient(cfg.Global.UpstreamTimeout.DurationValue()),
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Source 分组失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sources"] = config.SourceNames(cfg.Sources)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage"] = cfg.Global.StoragePath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if opts.syncOnly {
		if err := group.Sync(ctx); err != nil {
			fmt.Fprintf(stdErr, "同步失败: %v\n", err)
			return 1
		}
		return 0
	}

	if err := startHTTPServer(ctx, cfg, group, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("gemhub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		syncOnly   bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 GEMHUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&syncOnly, "sync", false, "同步所有 Source 一次后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if checkOnly && syncOnly {
		return cliOptions{}, fmt.Errorf("--check-config 与 --sync 不能同时使用")
	}

	path := os.Getenv("GEMHUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		syncOnly:    syncOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, group *mirror.Group, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterSourceRoutes(app, group, logger)

	// 首次同步放到后台，服务启动不依赖上游可用。
	go func() {
		if err := group.Sync(ctx); err != nil {
			logger.WithField("action", "startup_sync").WithError(err).Warn("部分 Source 同步失败")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
