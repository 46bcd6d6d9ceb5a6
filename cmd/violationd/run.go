package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/violation.report/internal/api"
	"github.com/banshee-data/violation.report/internal/config"
	"github.com/banshee-data/violation.report/internal/db"
	"github.com/banshee-data/violation.report/internal/evidence"
	"github.com/banshee-data/violation.report/internal/feed"
	"github.com/banshee-data/violation.report/internal/fsutil"
	"github.com/banshee-data/violation.report/internal/notify"
	"github.com/banshee-data/violation.report/internal/session"
	"github.com/banshee-data/violation.report/internal/timeutil"
	"github.com/banshee-data/violation.report/internal/version"
)

const serialPrefix = "serial:"

type options struct {
	ConfigPath    string
	DBPath        string
	MigrationsDir string
	Listen        string
	Source        string
	Baud          int
	ReplayRate    float64
	EvidenceDir   string
	Epoch         time.Time
	ExitOnEOF     bool
}

// lineSource is what run needs from a feed.LineMux, whatever its port type.
type lineSource interface {
	Monitor(ctx context.Context) error
	Lines() <-chan string
	Close() error
	AttachAdminRoutes(mux *http.ServeMux)
}

func openSource(o options) (lineSource, error) {
	if dev, ok := strings.CutPrefix(o.Source, serialPrefix); ok {
		return feed.OpenSerial(dev, feed.PortOptions{BaudRate: o.Baud})
	}
	return feed.OpenReplay(o.Source, timeutil.RealClock{}, o.ReplayRate)
}

// run wires the pipeline and blocks until ctx is done, or until the source
// is exhausted when there is no API to keep serving.
func run(ctx context.Context, o options) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}

	database, err := db.NewDB(o.DBPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	if o.MigrationsDir != "" {
		if err := database.MigrateUp(o.MigrationsDir); err != nil {
			return err
		}
	}

	dir := firstNonEmpty(o.EvidenceDir, cfg.GetEvidenceDirectory())
	capturer, err := evidence.NewFileCapturer(fsutil.OSFileSystem{}, dir, cfg.GetEvidencePlot(), timeutil.RealClock{})
	if err != nil {
		return err
	}

	hub := api.NewHub()
	reporters := []session.Reporter{database, hub}
	if url := cfg.GetWebhookURL(); url != "" {
		reporters = append(reporters, notify.NewWebhook(url, nil, cfg.GetWebhookTimeout()))
		log.Printf("reporting violations to %s", url)
	}

	ctl, err := session.NewFromConfig(cfg, capturer, reporters...)
	if err != nil {
		return err
	}

	// reporting outlives a cancelled ctx so the final events still land
	bg := context.WithoutCancel(ctx)
	if err := database.RecordSession(bg, ctl.SessionID(), time.Now(), version.Version, cfg); err != nil {
		return err
	}

	src, err := openSource(o)
	if err != nil {
		return err
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := src.Monitor(gctx)
		log.Print("monitor routine terminated")
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	decoder := feed.NewDecoder(o.Epoch)
	g.Go(func() error {
		err := ctl.Run(gctx, decoder.Frames(gctx, src.Lines()))
		closed := ctl.Stop(bg)
		decoded, skipped := decoder.Stats()
		log.Printf("pipeline stopped: %d frames decoded, %d lines skipped, %d events closed at stop",
			decoded, skipped, len(closed))
		if o.ExitOnEOF || o.Listen == "" {
			cancel()
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if o.Listen != "" {
		server := api.NewServer(api.Options{
			DB:          database,
			Session:     ctl,
			Hub:         hub,
			EvidenceDir: dir,
			Units:       cfg.GetSpeedUnits(),
		})
		g.Go(func() error {
			return server.Start(gctx, o.Listen, func(mux *http.ServeMux) {
				// admin debugging routes (tsweb allows loopback and Tailscale peers)
				database.AttachAdminRoutes(mux)
				src.AttachAdminRoutes(mux)
			})
		})
	}

	err = g.Wait()

	st := ctl.Status()
	if endErr := database.EndSession(bg, st.SessionID, time.Now(), st.FramesProcessed, st.EventsClosed); endErr != nil {
		log.Printf("failed to end session %s: %v", st.SessionID, endErr)
	}
	return err
}
