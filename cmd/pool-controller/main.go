// Command pool-controller drives the pool pump switch, the salt chlorinator
// and the pool sensors, and reports them over MQTT and a local web page.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/config"
	"github.com/sweeney/pool-controller/internal/controller"
	"github.com/sweeney/pool-controller/internal/gpio"
	"github.com/sweeney/pool-controller/internal/logging"
	"github.com/sweeney/pool-controller/internal/metrics"
	"github.com/sweeney/pool-controller/internal/status"
	"github.com/sweeney/pool-controller/internal/store"
	"github.com/sweeney/pool-controller/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "/etc/pool-controller/pool-controller.yaml"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "pool-controller",
		Short:         "Pool pump, chlorinator and sensor controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "bootstrap configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the controller until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "state",
		Short: "Print the persisted chlorinator settings and exit",
		RunE: func(*cobra.Command, []string) error {
			return printState(out, configPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(out, version)
		},
	})
	return root
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging, version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	port, err := gpio.New(cfg.GPIO)
	if err != nil {
		st.Close()
		return fmt.Errorf("init gpio: %w", err)
	}

	bus := channel.New()
	tracker := status.NewTracker(time.Now(), status.Config{
		DataDir:    cfg.DataDir,
		HTTPAddr:   cfg.HTTP,
		GPIODriver: cfg.GPIO.Driver,
	})
	m := metrics.New(tracker)
	bus.Observe(m.Observe)

	ctrl := controller.New(controller.Options{
		Config:  cfg,
		Bus:     bus,
		Store:   st,
		Port:    port,
		Tracker: tracker,
		Log:     log,
	})
	if err := ctrl.Start(ctx); err != nil {
		ctrl.Stop()
		return err
	}

	var srv *web.Server
	if cfg.HTTP != "" {
		srv = web.New(web.Options{
			Addr:    cfg.HTTP,
			Tracker: tracker,
			Bus:     bus,
			Metrics: m,
			Log:     log,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server error", "error", err)
			}
		}()
		log.Info("http status server listening", "addr", cfg.HTTP)
	}

	log.Info("started", "data_dir", cfg.DataDir, "gpio", cfg.GPIO.Driver, "http", cfg.HTTP)
	<-ctx.Done()
	log.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
	}
	return ctrl.Stop()
}

// printState shows the persisted chlorinator settings without touching the
// hardware.
func printState(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE")
	for _, key := range []string{
		store.KeyChlorinatorOutput,
		store.KeyChlorinatorPin,
		store.KeyChlorinatorActiveCellStart,
	} {
		v, err := st.Get(key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			v = "-"
		case err != nil:
			return fmt.Errorf("read %s: %w", key, err)
		}
		fmt.Fprintf(w, "%s\t%s\n", key, v)
	}
	return w.Flush()
}
