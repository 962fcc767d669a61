// Command licwatch exports commercial license usage as Prometheus metrics.
// It normalizes the query tools of several license-management ecosystems
// (FlexLM, RLM, LM-X, DSLS, HASP, OLicense, Licman20) into one canonical
// metric set and caches their answers between scrapes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promslog"
	promslogflag "github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	webflag "github.com/prometheus/exporter-toolkit/web/kingpinflag"

	"github.com/licwatch/licwatch/internal/aggregate"
	"github.com/licwatch/licwatch/internal/config"
	"github.com/licwatch/licwatch/internal/exporter"
	"github.com/licwatch/licwatch/internal/fetch"
)

const appName = "licwatch"

var (
	configFile = kingpin.Flag("config.file", "Path to the licwatch configuration file.").
			Default("licwatch.yml").String()
	metricsPath = kingpin.Flag("web.metrics.path", "Path under which to expose metrics.").
			Default("/metrics").String()
	timeoutOffset = kingpin.Flag("timeout-offset", "Offset to subtract from the Prometheus scrape timeout in seconds.").
			Default("0.25").Float64()
	toolkitFlags = webflag.AddFlags(kingpin.CommandLine, ":9998")
)

func main() {
	promslogConfig := &promslog.Config{}
	promslogflag.AddFlags(kingpin.CommandLine, promslogConfig)
	kingpin.Version(version.Print(appName))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := promslog.New(promslogConfig)
	slog.SetDefault(logger)

	logger.Info("starting "+appName, "version", version.Info())
	logger.Info(version.BuildContext())

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("cannot load configuration", "path", *configFile, "err", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "path", *configFile, "sources", len(cfg.Sources()))

	sched, err := fetch.New(cfg)
	if err != nil {
		logger.Error("cannot build fetch scheduler", "err", err)
		os.Exit(1)
	}
	agg := aggregate.New(sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := config.Watch(ctx, *configFile); err != nil {
			logger.Error("config watcher stopped", "err", err)
		}
	}()

	prometheus.MustRegister(versioncollector.NewCollector(appName))

	http.Handle(*metricsPath, promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer, metricsHandler(agg, logger)))
	landingPage(*metricsPath, logger)

	srv := &http.Server{}
	if err := web.ListenAndServe(srv, toolkitFlags, logger); err != nil {
		logger.Error("HTTP server failed", "err", err)
		os.Exit(1)
	}
}

// metricsHandler builds a fresh registry per scrape so the request context,
// bounded by the Prometheus scrape timeout, flows into collection.
func metricsHandler(agg *aggregate.Aggregator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		timeoutSeconds, err := scrapeTimeoutSeconds(r, *timeoutOffset)
		if err != nil {
			logger.Warn("cannot derive scrape timeout", "err", err)
		}
		if timeoutSeconds > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSeconds*float64(time.Second)))
			defer cancel()
			r = r.WithContext(ctx)
		}

		registry := prometheus.NewRegistry()
		registry.MustRegister(exporter.New(ctx, agg))

		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	}
}

// scrapeTimeoutSeconds reads the timeout Prometheus announces in its scrape
// request, minus an offset that leaves room to serialize the response.
func scrapeTimeoutSeconds(r *http.Request, offset float64) (float64, error) {
	v := r.Header.Get("X-Prometheus-Scrape-Timeout-Seconds")
	if v == "" {
		return 0, nil
	}
	timeoutSeconds, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse scrape timeout header: %w", err)
	}
	if timeoutSeconds < 0 {
		return 0, fmt.Errorf("invalid scrape timeout %f", timeoutSeconds)
	}
	if timeoutSeconds == 0 {
		return 0, nil
	}
	if offset >= timeoutSeconds {
		return 0, fmt.Errorf("timeout offset %f leaves no time within scrape timeout %f", offset, timeoutSeconds)
	}
	return timeoutSeconds - offset, nil
}

func landingPage(metricsPath string, logger *slog.Logger) {
	if metricsPath == "/" || metricsPath == "" {
		return
	}
	page, err := web.NewLandingPage(web.LandingConfig{
		Name:        appName,
		Description: "Prometheus exporter for commercial license usage",
		Version:     version.Info(),
		Links: []web.LandingLinks{
			{Address: metricsPath, Text: "Metrics"},
		},
	})
	if err != nil {
		logger.Error("cannot create landing page", "err", err)
		os.Exit(1)
	}
	http.Handle("/", page)
}
