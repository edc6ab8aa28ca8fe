// Command combinadoctl is the operator tool: wallet adjustments, one-off
// sweeps, ledger audits and marketplace settings.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/mbd888/combinado/internal/config"
	"github.com/mbd888/combinado/internal/logging"
	"github.com/mbd888/combinado/internal/money"
	"github.com/mbd888/combinado/internal/server"
)

func main() {
	app := &cli.App{
		Name:  "combinadoctl",
		Usage: "operate a combinado deployment",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
				Usage: "log level for the embedded services",
			},
		},
		Commands: []*cli.Command{
			sweepCmd,
			depositCmd,
			withdrawCmd,
			balanceCmd,
			reconcileCmd,
			settingsCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withServer builds the services from the environment, runs fn and
// releases them. No HTTP listener or background job is started.
func withServer(cctx *cli.Context, fn func(*server.Server) error) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cctx.String("log-level"), cfg.LogFormat)
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := srv.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(srv)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var sweepCmd = &cli.Command{
	Name:  "sweep",
	Usage: "run expiry and auto-confirmation sweeps",
	Subcommands: []*cli.Command{
		{
			Name:  "run-once",
			Usage: "run every sweep once and print how many entities each touched",
			Action: func(cctx *cli.Context) error {
				return withServer(cctx, func(srv *server.Server) error {
					counts, err := srv.Sweeps().RunOnce(cctx.Context)
					if perr := printJSON(counts); perr != nil {
						return perr
					}
					return err
				})
			},
		},
	},
}

var amountFlags = []cli.Flag{
	&cli.StringFlag{Name: "user", Required: true, Usage: "account owner"},
	&cli.StringFlag{Name: "amount", Required: true, Usage: "decimal amount, e.g. 150.00"},
	&cli.StringFlag{Name: "description", Usage: "ledger entry description"},
}

var depositCmd = &cli.Command{
	Name:  "deposit",
	Usage: "credit an account",
	Flags: amountFlags,
	Action: func(cctx *cli.Context) error {
		amount, err := money.Parse(cctx.String("amount"))
		if err != nil {
			return err
		}
		return withServer(cctx, func(srv *server.Server) error {
			txn, err := srv.Ledger().Deposit(cctx.Context, cctx.String("user"), amount, cctx.String("description"))
			if err != nil {
				return err
			}
			return printJSON(txn)
		})
	},
}

var withdrawCmd = &cli.Command{
	Name:  "withdraw",
	Usage: "debit an account's available balance",
	Flags: amountFlags,
	Action: func(cctx *cli.Context) error {
		amount, err := money.Parse(cctx.String("amount"))
		if err != nil {
			return err
		}
		return withServer(cctx, func(srv *server.Server) error {
			txn, err := srv.Ledger().Withdraw(cctx.Context, cctx.String("user"), amount, cctx.String("description"))
			if err != nil {
				return err
			}
			return printJSON(txn)
		})
	},
}

var balanceCmd = &cli.Command{
	Name:      "balance",
	Usage:     "show an account's balance and escrow",
	ArgsUsage: "<user-id>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "history", Usage: "also print the latest N ledger entries"},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return cli.Exit("usage: combinadoctl balance <user-id>", 2)
		}
		user := cctx.Args().First()
		return withServer(cctx, func(srv *server.Server) error {
			acct, err := srv.Ledger().Balance(cctx.Context, user)
			if err != nil {
				return err
			}
			if err := printJSON(acct); err != nil {
				return err
			}
			if n := cctx.Int("history"); n > 0 {
				txs, err := srv.Ledger().History(cctx.Context, user, n)
				if err != nil {
					return err
				}
				return printJSON(txs)
			}
			return nil
		})
	},
}

var reconcileCmd = &cli.Command{
	Name:  "reconcile",
	Usage: "audit the ledger against orders and exit non-zero on findings",
	Action: func(cctx *cli.Context) error {
		return withServer(cctx, func(srv *server.Server) error {
			report, err := srv.Reconciler().Run(cctx.Context)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.OK() {
				return cli.Exit(fmt.Sprintf("%d findings", len(report.Findings)), 3)
			}
			return nil
		})
	},
}

var settingsCmd = &cli.Command{
	Name:  "settings",
	Usage: "inspect or change marketplace settings",
	Subcommands: []*cli.Command{
		{
			Name:  "show",
			Usage: "print the settings in force",
			Action: func(cctx *cli.Context) error {
				return withServer(cctx, func(srv *server.Server) error {
					st, err := srv.Settings(cctx.Context)
					if err != nil {
						return err
					}
					return printJSON(st)
				})
			},
		},
		{
			Name:  "set",
			Usage: "update settings in the database; unset flags keep their value",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "platform-fee", Usage: "platform fee percentage"},
				&cli.StringFlag{Name: "contestation-fee", Usage: "contestation fee amount"},
				&cli.StringFlag{Name: "cancellation-fee", Usage: "cancellation fee percentage"},
				&cli.DurationFlag{Name: "negotiation-window"},
				&cli.DurationFlag{Name: "confirmation-window"},
				&cli.DurationFlag{Name: "invitation-ttl"},
				&cli.IntFlag{Name: "max-concurrent-orders"},
				&cli.BoolFlag{Name: "legacy-direct-order"},
			},
			Action: setSettings,
		},
	},
}

func setSettings(cctx *cli.Context) error {
	return withServer(cctx, func(srv *server.Server) error {
		db := srv.SettingsStore()
		if db == nil {
			return errors.New("settings can only be changed with DATABASE_URL set")
		}
		st, err := db.Current(cctx.Context)
		if err != nil {
			return err
		}

		if err := applyDecimal(cctx, "platform-fee", &st.PlatformFeePercentage); err != nil {
			return err
		}
		if err := applyDecimal(cctx, "contestation-fee", &st.ContestationFee); err != nil {
			return err
		}
		if err := applyDecimal(cctx, "cancellation-fee", &st.CancellationFeePercentage); err != nil {
			return err
		}
		applyDuration(cctx, "negotiation-window", &st.NegotiationWindow)
		applyDuration(cctx, "confirmation-window", &st.ConfirmationWindow)
		applyDuration(cctx, "invitation-ttl", &st.InvitationTTL)
		if cctx.IsSet("max-concurrent-orders") {
			st.MaxConcurrentOrders = cctx.Int("max-concurrent-orders")
		}
		if cctx.IsSet("legacy-direct-order") {
			st.LegacyDirectOrder = cctx.Bool("legacy-direct-order")
		}

		if err := db.Save(cctx.Context, st); err != nil {
			return err
		}
		return printJSON(st)
	})
}

func applyDecimal(cctx *cli.Context, name string, dst *decimal.Decimal) error {
	if !cctx.IsSet(name) {
		return nil
	}
	v, err := money.Parse(cctx.String(name))
	if err != nil {
		return fmt.Errorf("--%s: %w", name, err)
	}
	*dst = v
	return nil
}

func applyDuration(cctx *cli.Context, name string, dst *time.Duration) {
	if cctx.IsSet(name) {
		*dst = cctx.Duration(name)
	}
}
