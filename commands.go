package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/docent-net/cluster-hibernator/pkg/controller"
	"github.com/docent-net/cluster-hibernator/pkg/metrics"
	"github.com/docent-net/cluster-hibernator/pkg/model"
	"github.com/docent-net/cluster-hibernator/pkg/schedule"
)

func report(res model.ScaleOperationResult) error {
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Success {
		return errUnsuccessful
	}
	return nil
}

func scaleDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scale-down",
		Short: "Drain every managed node pool and scale it to zero",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			return report(a.ctrl.ScaleDown(cmd.Context(), a.cfg.Cluster))
		},
	}
}

func scaleUpCmd() *cobra.Command {
	var (
		minNodes   int
		ignoreRisk bool
	)
	cmd := &cobra.Command{
		Use:   "scale-up",
		Short: "Restore node pools and workloads recorded by the last scale-down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			var ov controller.Overrides
			if cmd.Flags().Changed("min-nodes") {
				ov.MinNodesPerPool = &minNodes
			}
			ov.IgnoreBootstrapRisk = ignoreRisk
			return report(a.ctrl.ScaleUp(cmd.Context(), a.cfg.Cluster, ov))
		},
	}
	cmd.Flags().IntVar(&minNodes, "min-nodes", 0, "restore every pool to this many nodes instead of its recorded size")
	cmd.Flags().BoolVar(&ignoreRisk, "ignore-bootstrap-risk", false, "accept --min-nodes when min-nodes times the pool count is below the bootstrap minimum")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the phase of the last scale operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			phase, op, err := a.ctrl.Status(cmd.Context(), a.cfg.Cluster)
			if err != nil {
				return err
			}
			return printJSON(struct {
				Cluster   string                `json:"cluster"`
				Phase     model.Phase           `json:"phase"`
				Operation *model.ScaleOperation `json:"operation,omitempty"`
			}{a.cfg.Cluster.Key(), phase, op})
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled scale operations and serve metrics and health endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			sched, err := schedule.New(a.ctrl, a.cfg.Cluster, a.cfg.Schedule)
			if err != nil {
				return err
			}

			http.Handle("/metrics", metrics.Handler())
			metricsSrv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: http.DefaultServeMux}
			healthSrv := &http.Server{Addr: a.cfg.Metrics.HealthAddr, Handler: healthMux()}

			ctx := cmd.Context()
			g, ctx := errgroup.WithContext(ctx)
			for _, srv := range []*http.Server{metricsSrv, healthSrv} {
				g.Go(func() error {
					slog.Info("Starting HTTP endpoint", "addr", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
			}
			g.Go(func() error {
				sched.Run(ctx)
				shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return errors.Join(metricsSrv.Shutdown(shutdown), healthSrv.Shutdown(shutdown))
			})
			return g.Wait()
		},
	}
}

func healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	ok := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
	mux.HandleFunc("/readyz", ok)
	mux.HandleFunc("/livez", ok)
	return mux
}
