package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/131/castor/internal/config"
	"github.com/131/castor/internal/index"
	"github.com/131/castor/internal/logging"
	"github.com/131/castor/internal/server"
	"github.com/131/castor/internal/server/routes"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	command     string
	args        []string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// commandArity 记录每个子命令需要的位置参数个数。
var commandArity = map[string]int{
	"serve":  0,
	"fetch":  4,
	"warmup": 0,
	"check":  0,
	"purge":  0,
}

const usage = "用法: castor [-config path] [-check-config] [-version] <serve|fetch <ns> <name> <url> <md5>|warmup|check|purge>"

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		fmt.Fprintln(stdErr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, opts)
	stop()
	os.Exit(code)
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(ctx context.Context, opts cliOptions) int {
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
		fields["index_path"] = cfg.Global.IndexPath
		fields["namespaces"] = config.NamespaceNames(cfg.Namespaces)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 存储布局/进程锁/下载器 → 索引 → 子命令，所有子命令共享同一组实例。
	rt, err := newServices(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化存储失败: %v\n", err)
		return 1
	}
	defer rt.store.Sync()

	command := opts.command
	if command == "" {
		command = "serve"
	}

	fields := logging.BaseFields(command, opts.configPath)
	fields["index_path"] = cfg.Global.IndexPath
	fields["version"] = rt.store.Version()
	logger.WithFields(fields).Debug("command_start")

	switch command {
	case "serve":
		err = serve(ctx, cfg, rt, logger, opts.configPath)
	case "fetch":
		err = rt.fetch(ctx, opts.args[0], opts.args[1], opts.args[2], opts.args[3])
	case "warmup":
		err = rt.warmup(ctx)
	case "check":
		err = rt.check(ctx)
	case "purge":
		err = rt.purge(ctx)
	default:
		err = fmt.Errorf("未知命令: %s", command)
	}

	if err != nil {
		logger.WithFields(logging.BaseFields(command, opts.configPath)).WithError(err).Error("command_failed")
		fmt.Fprintf(stdErr, "%s 失败: %v\n", command, err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("castor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 CASTOR_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("CASTOR_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	opts := cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		command:     "serve",
	}

	rest := fs.Args()
	if len(rest) > 0 {
		opts.command = rest[0]
		opts.args = rest[1:]
	}
	if checkOnly || showVer {
		return opts, nil
	}

	arity, ok := commandArity[opts.command]
	if !ok {
		return cliOptions{}, fmt.Errorf("未知命令: %s", opts.command)
	}
	if len(opts.args) != arity {
		return cliOptions{}, fmt.Errorf("%s 需要 %d 个参数，得到 %d 个", opts.command, arity, len(opts.args))
	}
	return opts, nil
}

// serve 先完成布局迁移，再启动 Fiber 服务；ctx 取消时优雅退出。
func serve(ctx context.Context, cfg *config.Config, rt *services, logger *logrus.Logger, configPath string) error {
	if _, err := rt.maintainer.Warmup(ctx); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	registry, err := server.NewNamespaceRegistry(cfg, rt.store)
	if err != nil {
		return fmt.Errorf("构建命名空间注册表失败: %w", err)
	}

	fields := logging.BaseFields("startup", configPath)
	fields["namespaces"] = config.NamespaceNames(cfg.Namespaces)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = rt.store.Version()
	logger.WithFields(fields).Info("配置加载完成")

	return startHTTPServer(ctx, cfg, registry, rt.store, logger)
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.NamespaceRegistry, store *index.Store, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		ListenPort: port,
		Diagnostics: func(router fiber.Router) {
			routes.RegisterNamespaceRoutes(router, registry, store)
		},
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).Warn("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err = app.Listen(fmt.Sprintf(":%d", port))
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return err
}
