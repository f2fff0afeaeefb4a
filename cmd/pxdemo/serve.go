package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pxlab/pxlab/config"
	"github.com/pxlab/pxlab/generichttp"
	"github.com/pxlab/pxlab/generichttp/detector"
	"github.com/pxlab/pxlab/imgrec"
	"github.com/pxlab/pxlab/logging"
	"github.com/pxlab/pxlab/monitoring"
	"github.com/pxlab/pxlab/server/middleware/locker"
)

// handler builds the router of the serve command around an open session
func (a *app) handler(s *session, rec *imgrec.Recorder) (http.Handler, error) {
	c := a.cfg
	opts := detector.Options{
		Recorder:    rec,
		Log:         a.log,
		DefaultTime: c.HTTP.DefaultTime,
		MaxFrames:   c.HTTP.MaxFrames,
	}
	if c.Lock.Enabled {
		opts.Locker = locker.New()
	}
	if c.Metrics.Enabled {
		m, err := monitoring.New(prometheus.NewRegistry())
		if err != nil {
			return nil, err
		}
		opts.Metrics = m
	}
	opts.Publisher = a.publisher()
	h := detector.NewHTTPDetector(s.dev, opts)

	root := chi.NewRouter()
	mux := chi.NewRouter()
	if opts.Locker != nil {
		mux.Use(opts.Locker.Check)
	}
	h.RT().Bind(mux)
	root.Mount(generichttp.SubMuxSanitize(c.HTTP.Root), mux)
	return root, nil
}

// reload applies the settings that can change while serving
func (a *app) reload(rec *imgrec.Recorder) func(config.Config, error) {
	return func(c config.Config, err error) {
		if err != nil {
			a.log.Error().Err(err).Msg("reloading config")
			return
		}
		if lvl, err := logging.ParseLevel(c.Log.Level); err == nil {
			zerolog.SetGlobalLevel(lvl)
		} else {
			a.log.Error().Err(err).Msg("reloading log level")
		}
		rc := c.Recorder
		if err := rec.Configure(rc.Root, rc.Prefix, rc.Format, rc.Enabled); err != nil {
			a.log.Error().Err(err).Msg("reloading recorder")
		}
		a.log.Info().Str("level", c.Log.Level).Bool("recording", rc.Enabled).Msg("config reloaded")
	}
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the device over HTTP",
		Long: `serve opens the device and exposes it over HTTP: parameters, frames in several
formats, a websocket stream of frames or pixels, maintenance operations and,
when enabled, the auto recorder, a lock and Prometheus metrics.  GET /endpoints
lists the routes.  Changes to the log level and recorder sections of the
config file are applied while running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// reloads adjust the global level
			if lvl, err := logging.ParseLevel(a.cfg.Log.Level); err == nil {
				zerolog.SetGlobalLevel(lvl)
				a.log = a.log.Level(zerolog.TraceLevel)
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				rc := a.cfg.Recorder
				rec := &imgrec.Recorder{Root: rc.Root, Prefix: rc.Prefix, Format: rc.Format, Enabled: rc.Enabled}
				hndl, err := a.handler(s, rec)
				if err != nil {
					return err
				}
				if err := a.loader.Watch(a.reload(rec)); err != nil {
					a.log.Debug().Err(err).Msg("not watching config")
				}

				srv := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: hndl}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				a.log.Info().Str("addr", a.cfg.HTTP.Addr+a.cfg.HTTP.Root).Msg("now listening for requests")
				err = srv.ListenAndServe()
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().String("addr", ":8000", "listen address")
	return cmd
}
