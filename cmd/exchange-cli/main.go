// exchange-cli 手动下单、撤单和查询工具，与 gridbot 共用配置和 nonce 存储。
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"grid-maker-go/config"
	"grid-maker-go/gateway"
	"grid-maker-go/internal/container"
	"grid-maker-go/internal/store"
)

type session struct {
	cfg   config.AppConfig
	store store.Store
	ex    gateway.Exchange
}

func open(cctx *cli.Context) (*session, error) {
	cfg, err := config.LoadWithEnvOverrides(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	st, err := container.OpenStore(cctx.Context, cfg.Storage)
	if err != nil {
		return nil, err
	}
	ex, err := container.NewExchange(cfg, st, nil)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &session{cfg: cfg, store: st, ex: ex}, nil
}

func (s *session) close() {
	_ = s.store.Close()
}

func (s *session) symbol(cctx *cli.Context) string {
	if v := cctx.String("symbol"); v != "" {
		return v
	}
	return s.cfg.TradeSymbol
}

func main() {
	symbolFlag := &cli.StringFlag{Name: "symbol", Aliases: []string{"s"}, Usage: "交易对，默认 tradeSymbol"}

	app := &cli.App{
		Name:  "exchange-cli",
		Usage: "manual order tool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "configs/config.yaml",
				EnvVars: []string{"GRIDBOT_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{Name: "buy", Usage: "限价买入", ArgsUsage: "AMOUNT PRICE", Flags: []cli.Flag{symbolFlag}, Action: placeAction(gateway.Buy)},
			{Name: "sell", Usage: "限价卖出", ArgsUsage: "AMOUNT PRICE", Flags: []cli.Flag{symbolFlag}, Action: placeAction(gateway.Sell)},
			{
				Name:  "cancel",
				Usage: "撤单",
				Flags: []cli.Flag{symbolFlag},
				Action: func(cctx *cli.Context) error {
					if cctx.NArg() == 0 {
						return cli.Exit("usage: exchange-cli cancel ORDER_ID...", 2)
					}
					s, err := open(cctx)
					if err != nil {
						return err
					}
					defer s.close()
					for _, id := range cctx.Args().Slice() {
						if err := s.ex.CancelOrder(cctx.Context, s.symbol(cctx), id); err != nil {
							return fmt.Errorf("cancel %s: %w", id, err)
						}
						fmt.Println("canceled", id)
					}
					return nil
				},
			},
			{
				Name:  "orders",
				Usage: "列出挂单",
				Flags: []cli.Flag{symbolFlag},
				Action: func(cctx *cli.Context) error {
					s, err := open(cctx)
					if err != nil {
						return err
					}
					defer s.close()
					orders, err := s.ex.OpenOrders(cctx.Context, s.symbol(cctx))
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tSIDE\tPRICE\tAMOUNT")
					for _, o := range orders {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.ID, o.Side, o.Price, o.Amount)
					}
					return w.Flush()
				},
			},
			{
				Name:  "balances",
				Usage: "账户余额",
				Action: func(cctx *cli.Context) error {
					s, err := open(cctx)
					if err != nil {
						return err
					}
					defer s.close()
					balances, err := s.ex.Balances(cctx.Context)
					if err != nil {
						return err
					}
					printBalances(balances)
					return nil
				},
			},
		},
	}
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func placeAction(side gateway.Side) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return cli.Exit(fmt.Sprintf("usage: exchange-cli %s AMOUNT PRICE", side), 2)
		}
		amount, err := decimal.NewFromString(cctx.Args().Get(0))
		if err != nil {
			return fmt.Errorf("invalid amount: %w", err)
		}
		price, err := decimal.NewFromString(cctx.Args().Get(1))
		if err != nil {
			return fmt.Errorf("invalid price: %w", err)
		}
		s, err := open(cctx)
		if err != nil {
			return err
		}
		defer s.close()
		symbol := s.symbol(cctx)
		if err := s.ex.LoadMarkets(cctx.Context); err != nil {
			return err
		}
		market, err := s.ex.Market(symbol)
		if err != nil {
			return err
		}
		price, amount = market.Normalize(price, amount)
		id, err := s.ex.PlaceLimit(cctx.Context, symbol, side, amount, price)
		switch {
		case gateway.IsInsufficientFunds(err):
			return cli.Exit(fmt.Sprintf("insufficient funds: %v", err), 3)
		case gateway.IsExchange(err):
			return cli.Exit(fmt.Sprintf("rejected by exchange: %v", err), 4)
		case err != nil:
			return err
		}
		fmt.Printf("%s %s %s @ %s: order %s\n", side, symbol, amount, price, id)
		return nil
	}
}

func printBalances(balances map[string]decimal.Decimal) {
	names := make([]string, 0, len(balances))
	for k, v := range balances {
		if v.IsZero() {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, k := range names {
		fmt.Fprintf(w, "%s\t%s\n", k, balances[k])
	}
	_ = w.Flush()
}
