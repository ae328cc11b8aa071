// gridbot 网格做市代理：加载配置，按周期维护买卖网格。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"grid-maker-go/internal/container"
)

func main() {
	app := &cli.App{
		Name:  "gridbot",
		Usage: "grid market-making agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "configs/config.yaml",
				Usage:   "配置文件路径",
				EnvVars: []string{"GRIDBOT_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "reset",
				Aliases: []string{"r"},
				Usage:   "启动前撤销所有已跟踪的订单并清空网格状态",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "覆盖 metrics.addr（/metrics /state /healthz /ws/cycles），留空使用配置",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.New(cctx.String("config"))
	if err != nil {
		return err
	}
	if addr := cctx.String("metrics-addr"); addr != "" {
		c.SetMetricsAddr(addr)
	}
	if err := c.Build(ctx); err != nil {
		return err
	}
	defer c.Stop()

	if cctx.Bool("reset") {
		c.Logger().Warn("resetting grid state")
		if err := c.Reset(ctx); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}

	if err := c.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		c.Logger().Info("shutdown signal received", zap.Error(context.Cause(ctx)))
	}
	return nil
}
