package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/alapierre/go-afip-client/afip/invoice"
	"github.com/alapierre/go-afip-client/afip/qr"
	"github.com/alapierre/go-afip-client/afip/store/postgres"
	"github.com/alapierre/go-afip-client/afip/sweep"
	"github.com/alapierre/go-afip-client/afip/util"
	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	forceRenewal bool

	salesPoint  int
	voucherType int

	dummyEnv string

	sweepInterval time.Duration
	metricsAddr   string

	qrOut  string
	qrData qr.Data
	qrDate string
	qrTot  string
)

var ticketCmd = &cobra.Command{
	Use:   "ticket <tenant>",
	Short: "Obtain an access ticket for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()
			if forceRenewal {
				ctx = afip.ContextWithForceRenewal(ctx)
			}
			t, err := a.manager.Ticket(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("token:      %s\n", t.Token)
			fmt.Printf("sign:       %s\n", t.Sign)
			fmt.Printf("generated:  %s\n", t.GeneratedAt.Format(time.RFC3339))
			fmt.Printf("expires:    %s\n", t.ExpiresAt.Format(time.RFC3339))
			return nil
		})
	},
}

var stateCmd = &cobra.Command{
	Use:   "state [tenant...]",
	Short: "Show ticket state for tenants, all configured ones by default",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			tenants := args
			if len(tenants) == 0 {
				var err error
				if tenants, err = a.credentials.Tenants(cmd.Context()); err != nil {
					return err
				}
			}
			for _, tenant := range tenants {
				s, err := a.manager.State(cmd.Context(), tenant)
				if err != nil {
					return errors.Wrapf(err, "tenant %s", tenant)
				}
				fmt.Printf("%-24s %s\n", tenant, s)
			}
			return nil
		})
	},
}

var lastCmd = &cobra.Command{
	Use:   "last <tenant>",
	Short: "Print the last authorized voucher number for a sales point and voucher type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			seq := invoice.NewAuthoritySequencer(a.manager, a.credentials, a.client)
			n, err := seq.Last(cmd.Context(), invoice.Key{
				TenantID:    args[0],
				SalesPoint:  salesPoint,
				VoucherType: voucherType,
			})
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		})
	},
}

var dummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Check availability of the invoicing service",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := afip.ParseEnvironment(dummyEnv)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			raw, err := a.client.Dummy(cmd.Context(), env)
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is not set")
		}
		pool, err := postgres.Connect(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		return postgres.Migrate(cmd.Context(), pool)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Renew tickets that are missing or close to expiry",
	Long: `Runs one sweep over every configured tenant. With --interval the sweep
repeats until interrupted, optionally serving Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withApp(ctx, func(a *app) error {
			s := sweep.New(a.credentials, a.manager,
				sweep.WithConcurrency(cfg.SweepConcurrency),
				sweep.WithLoginRate(cfg.SweepLoginsPerSecond),
			)
			if sweepInterval <= 0 {
				_, err := s.Run(ctx)
				return err
			}

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logrus.WithError(err).Error("metrics server failed")
					}
				}()
				defer func() {
					shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdown)
				}()
			}

			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				if _, err := s.Run(ctx); err != nil {
					logrus.WithError(err).Warn("ticket sweep finished with errors")
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	},
}

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Render the fiscal QR code of an authorized voucher",
	RunE: func(cmd *cobra.Command, args []string) error {
		d := qrData
		var err error
		if d.IssueDate, err = time.ParseInLocation(time.DateOnly, qrDate, util.ArgentinaTime); err != nil {
			return errors.Wrap(err, "issue date")
		}
		if d.Total, err = decimal.NewFromString(qrTot); err != nil {
			return errors.Wrap(err, "total")
		}
		if qrOut == "" {
			u, err := qr.URL(d)
			if err != nil {
				return err
			}
			fmt.Println(u)
			return nil
		}
		png, err := qr.PNG(d, qr.DefaultSize)
		if err != nil {
			return err
		}
		return os.WriteFile(qrOut, png, 0o644)
	},
}

func init() {
	ticketCmd.Flags().BoolVar(&forceRenewal, "force", false, "skip cached tickets and log in again")

	lastCmd.Flags().IntVar(&salesPoint, "pos", 0, "sales point")
	lastCmd.Flags().IntVar(&voucherType, "type", 0, "voucher type")
	_ = lastCmd.MarkFlagRequired("pos")
	_ = lastCmd.MarkFlagRequired("type")

	dummyCmd.Flags().StringVar(&dummyEnv, "env", afip.Homologation.Name(), "homologation or production")

	sweepCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "repeat the sweep at this interval")
	sweepCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while repeating")

	f := qrCmd.Flags()
	f.StringVar(&qrOut, "out", "", "write a PNG here instead of printing the URL")
	f.StringVar(&qrDate, "date", "", "issue date, yyyy-mm-dd")
	f.StringVar(&qrTot, "total", "", "voucher total")
	f.StringVar(&qrData.CUIT, "cuit", "", "issuer CUIT")
	f.IntVar(&qrData.SalesPoint, "pos", 0, "sales point")
	f.IntVar(&qrData.VoucherType, "type", 0, "voucher type")
	f.Int64Var(&qrData.Number, "number", 0, "voucher number")
	f.StringVar(&qrData.Currency, "currency", invoice.DefaultCurrency, "currency code")
	f.StringVar(&qrData.AuthorizationType, "auth-type", qr.AuthorizationCAE, "E for CAE, A for CAEA")
	f.StringVar(&qrData.AuthorizationCode, "cae", "", "authorization code")
	f.IntVar(&qrData.BuyerDocType, "doc-type", 0, "buyer document type")
	f.Int64Var(&qrData.BuyerDocNumber, "doc-number", 0, "buyer document number")
	for _, name := range []string{"date", "total", "cuit", "pos", "type", "number", "cae"} {
		_ = qrCmd.MarkFlagRequired(name)
	}
}
