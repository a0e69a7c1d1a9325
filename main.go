package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"speedclient/client"
	"speedclient/strategy"
)

var CLI struct {
	ConfigFile string `help:"YAML configuration file." name:"config-file" short:"c" type:"path"`
	EnvFile    string `help:"Environment file to load before reading URL/KEY/TIME_URL." default:".env" type:"path"`
	Debug      bool   `help:"Whether to enable debug logging."`

	Play struct {
		Strategy string `help:"Decision strategy." enum:"random,idle" default:"random"`
	} `cmd:"" default:"1" help:"Connect to the spe_ed server and play one game."`

	Config struct {
	} `cmd:"" help:"Write the effective configuration to standard output."`
}

func writeError(err error) {
	fmt.Fprintf(os.Stderr, "%s\n", err)
	os.Exit(1)
}

// speedclient 入口：读取配置 → 初始化日志 → 对时并进行一局游戏
func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("speedclient"),
		kong.Description("a time-synchronized spe_ed game client"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	// .env 不存在时忽略，其他错误直接退出
	if err := godotenv.Load(CLI.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		writeError(fmt.Errorf("could not load %s: %w", CLI.EnvFile, err))
	}

	cfg, err := client.LoadConfig(CLI.ConfigFile)
	if err != nil {
		writeError(err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		writeError(err)
	}
	if CLI.Debug {
		cfg.Log.Level = "debug"
	}

	switch ctx.Command() {
	case "config":
		if err := writeConfig(os.Stdout, cfg); err != nil {
			writeError(err)
		}
	default:
		os.Exit(play(cfg, CLI.Play.Strategy))
	}
}

// writeConfig 输出隐去密钥后的生效配置
func writeConfig(w io.Writer, cfg client.Config) error {
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return err
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("could not write config: %w", err)
	}
	return nil
}

func play(cfg client.Config, strategyName string) int {
	if err := client.InitLogger(cfg.Log); err != nil {
		writeError(err)
	}
	defer client.SyncLogger()

	decide, ok := strategy.New(strategyName)
	if !ok {
		writeError(fmt.Errorf("unknown strategy %q", strategyName))
	}

	mgr, err := client.NewConnectionManager(cfg)
	if err != nil {
		client.Log.Errorf("invalid configuration: %v", err)
		return 1
	}

	// 优雅退出（Ctrl+C）
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcome, err := mgr.Play(sigCtx, decide)
	if err != nil {
		client.Log.Errorf("game ended with error: %v", err)
	}
	if outcome.Kind != client.Finished {
		return 1
	}
	return 0
}
