// Command apigate-proxy serves configured upstream endpoints through the
// rate-limited client and the response cache.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/apigate/pkg/cache"
	"github.com/Sternrassler/apigate/pkg/config"
	"github.com/Sternrassler/apigate/pkg/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          "apigate-proxy",
		Short:        "Rate-limited, caching proxy for a JSON HTTP API",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")

	root.AddCommand(newServeCmd(&cfgFile), newFetchCmd(&cfgFile), newEndpointsCmd(&cfgFile))
	return root
}

// loadConfig reads the config file and environment, then lets bind attach
// command flags before decoding.
func loadConfig(path string, bind func(v *viper.Viper) error) (*config.Config, *viper.Viper, error) {
	v := config.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if bind != nil {
		if err := bind(v); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, nil, err
	}
	logging.Setup(cfg.LoggingConfig())
	return cfg, v, nil
}

// watchConfig re-applies the log settings when the config file changes.
// Everything else needs a restart.
func watchConfig(v *viper.Viper) {
	logger := logging.NewLogger("config")
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := config.FromViper(v)
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		logging.Setup(cfg.LoggingConfig())
		logger.Info().Str("file", e.Name).Str("level", cfg.Log.Level).
			Msg("Config reloaded, log settings applied; restart for other changes")
	})
	v.WatchConfig()
}

func newServeCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, v, err := loadConfig(*cfgFile, func(v *viper.Viper) error {
				return v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
			})
			if err != nil {
				return err
			}
			if watch, _ := cmd.Flags().GetBool("watch"); watch && *cfgFile != "" {
				watchConfig(v)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Bool("watch", false, "reload log settings when the config file changes")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	s := newServer(a)
	if cfg.Server.MaintenanceSchedule != "" {
		c, err := s.startMaintenance(cfg.Server.MaintenanceSchedule)
		if err != nil {
			return err
		}
		defer func() { <-c.Stop().Done() }()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(cfg.Server.Addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func newFetchCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <endpoint> [key=value ...]",
		Short: "Fetch one endpoint directly, bypassing the cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*cfgFile, nil)
			if err != nil {
				return err
			}
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			rt, ok := a.routes[args[0]]
			if !ok {
				return fmt.Errorf("unknown endpoint %q", args[0])
			}
			if err := rt.ep.Validate(params); err != nil {
				return err
			}

			v, ok := rt.direct(cmd.Context(), params)
			if !ok {
				return errors.New("fetch failed, see log for details")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
}

func newEndpointsCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "List configured endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*cfgFile, nil)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), endpointsTable(cfg.Endpoints))
			return nil
		},
	}
}

func endpointsTable(endpoints []config.EndpointConfig) string {
	eps := append([]config.EndpointConfig(nil), endpoints...)
	sort.Slice(eps, func(i, j int) bool { return eps[i].Name < eps[j].Name })

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Name", "Path", "Required", "Paged"})
	for _, ec := range eps {
		ep := ec.Endpoint()
		paged := ""
		if ec.Paged {
			paged = "yes"
		}
		t.AppendRow(table.Row{ec.Name, ep.Path, strings.Join(ep.Required, ","), paged})
	}
	t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d endpoints", len(eps))})
	return t.Render() + "\n"
}

// parseParams turns key=value arguments into params. A repeated key becomes
// a []string.
func parseParams(args []string) (cache.Params, error) {
	params := make(cache.Params, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", arg)
		}
		switch prev := params[k].(type) {
		case nil:
			params[k] = v
		case string:
			params[k] = []string{prev, v}
		case []string:
			params[k] = append(prev, v)
		}
	}
	return params, nil
}
