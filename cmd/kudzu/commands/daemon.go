package commands

import (
	"context"
	"net/http"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/kudzuproject/kudzu/pkg/agent"
)

func newDaemonCommand(version string) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the agent on an interval",
		Long: `Run the agent continuously, converging the node once per interval.

The settings file is watched for changes and reloaded between runs. When
metrics are enabled, a Prometheus endpoint is served for the daemon's
lifetime.`,
		Example: `  # Run with the configured interval
  kudzu daemon

  # Converge every five minutes
  kudzu daemon --interval 5m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(version, nil)
			if err != nil {
				return err
			}
			defer func() { rt.Close(context.Background()) }()

			ctx := cmd.Context()

			if rt.settings.Metrics.Enabled {
				srv := startMetricsServer(rt)
				defer srv.Shutdown(context.Background())
			}

			reload, stopWatch, err := watchSettings(rt)
			if err != nil {
				rt.log.WithError(err).Warn("Settings file watch unavailable")
			} else {
				defer stopWatch()
			}

			for {
				runOnce(ctx, rt)

				pause := interval
				if pause <= 0 {
					pause = rt.settings.RunInterval.Std()
				}
				rt.log.Infof("Next run in %s", pause)

				select {
				case <-ctx.Done():
					return nil
				case <-reload:
					rt.log.Info("Settings changed; reloading")
					// The metrics collector is carried over so the
					// endpoint keeps serving the same registry.
					fresh, err := buildRuntime(version, nil, rt.metrics)
					if err != nil {
						rt.log.WithError(err).Error("Failed to reload settings; keeping previous configuration")
						continue
					}
					rt.Close(context.Background())
					rt = fresh
				case <-time.After(pause):
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "run interval (overrides the settings file)")

	return cmd
}

// runOnce executes one run, absorbing errors so the daemon keeps going.
func runOnce(ctx context.Context, rt *runtime) {
	runCtx := ctx
	if timeout := rt.settings.RunTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if _, err := rt.agent.Run(runCtx, agent.RunOptions{}); err != nil {
		rt.log.WithError(err).Error("Run failed")
	}
}

// startMetricsServer serves the Prometheus endpoint in the background.
func startMetricsServer(rt *runtime) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())

	srv := &http.Server{
		Addr:    rt.settings.Metrics.ListenAddress,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rt.log.WithError(err).Error("Metrics endpoint failed")
		}
	}()
	rt.log.Infof("Serving metrics on %s", rt.settings.Metrics.ListenAddress)
	return srv
}

// watchSettings signals on the returned channel when the settings file
// changes. Without a settings file there is nothing to watch.
func watchSettings(rt *runtime) (<-chan struct{}, func(), error) {
	reload := make(chan struct{}, 1)
	if configPath == "" {
		return reload, func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return reload, nil, err
	}
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return reload, nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					select {
					case reload <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				rt.log.WithError(err).Warn("Settings watch error")
			}
		}
	}()

	return reload, func() { watcher.Close() }, nil
}
