package cli

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/stream-recorder/internal/api"
	"github.com/ChuLiYu/stream-recorder/internal/capture"
	"github.com/ChuLiYu/stream-recorder/internal/catalog"
	"github.com/ChuLiYu/stream-recorder/internal/config"
	"github.com/ChuLiYu/stream-recorder/internal/metrics"
	"github.com/ChuLiYu/stream-recorder/internal/scheduler"
	"github.com/ChuLiYu/stream-recorder/internal/server"
	"github.com/ChuLiYu/stream-recorder/internal/snapshot"
	"github.com/ChuLiYu/stream-recorder/internal/transcode"
	"github.com/ChuLiYu/stream-recorder/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// app 一個執行中的錄影服務的所有組件
type app struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	metrics *metrics.Collector
	catalog *catalog.Store
	pool    *worker.Pool
	sched   *scheduler.Scheduler
	router  http.Handler
	grpc    *grpc.Server

	httpSrv *http.Server
}

// newApp 依設定組裝所有組件，尚未啟動任何 goroutine
func newApp(cfg *config.Config, log *zap.SugaredLogger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = metrics.NewCollector(reg)
	}

	for _, p := range []string{cfg.Storage.SnapshotPath, cfg.Storage.CatalogPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create data directory for %s", p)
		}
	}

	cat, err := catalog.Open(cfg.Storage.CatalogPath, log.Named("catalog"))
	if err != nil {
		return nil, err
	}
	a.catalog = cat

	a.pool = worker.NewPool(a.registerRecording, worker.Options{
		BufferSize: cfg.Scheduler.NotifyQueueSize,
		OnResult:   a.onNotifyResult,
	})
	a.metrics.TrackNotifyPool(a.pool)

	capt, err := capture.NewInvoker(capture.Config{
		Command:   cfg.Capture.Command,
		OutputDir: cfg.Capture.OutputDir,
		Extension: cfg.Capture.Extension,
	}, log.Named("capture"))
	if err != nil {
		_ = cat.Close()
		return nil, err
	}

	trans := transcode.NewInvoker(transcode.Config{
		Interpreter: cfg.Transcode.Interpreter,
		Script:      cfg.Transcode.Script,
		Timeout:     cfg.Transcode.Timeout,
	}, log.Named("transcode"))

	a.sched = scheduler.New(
		snapshot.NewManager(cfg.Storage.SnapshotPath),
		capt, trans,
		scheduler.WithLogger(log.Named("scheduler")),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithNotifier(a.pool),
		scheduler.WithSafetyMargin(cfg.Scheduler.SafetyMargin),
		scheduler.WithRecordingsDir(cfg.Transcode.RecordingsDir),
	)

	var metricsHandler http.Handler
	if a.metrics != nil {
		metricsHandler = a.metrics.Handler()
	}
	a.router = api.NewRouter(a.sched, api.Options{
		Logger:  log.Named("http"),
		Metrics: metricsHandler,
		Catalog: a.catalog,
	})

	a.grpc = grpc.NewServer()
	server.Register(a.grpc, server.NewServer(a.sched, log.Named("grpc")))

	return a, nil
}

// registerRecording 目錄登記的 worker handler
func (a *app) registerRecording(ctx context.Context, task worker.Task) error {
	entry, err := a.catalog.EnsureExists(ctx, task.Name, task.Path)
	if err != nil {
		return errors.Wrapf(err, "register recording %s", task.Name)
	}
	a.log.Infow("Recording registered in catalog",
		"job_id", task.JobID,
		"catalog_id", entry.ID,
		"folder", entry.FolderName,
	)
	return nil
}

func (a *app) onNotifyResult(r worker.Result) {
	if r.Success {
		a.metrics.RecordNotification(metrics.NotifyOK)
		return
	}
	a.metrics.RecordNotification(metrics.NotifyError)
	a.log.Errorw("Catalog registration failed", "job_id", r.JobID, "name", r.Name, "error", r.Error)
}

// start 啟動 worker、恢復排程並開始監聽
func (a *app) start() error {
	if err := a.pool.Start(a.cfg.Scheduler.NotifyWorkers); err != nil {
		return errors.Wrap(err, "start catalog workers")
	}
	if err := a.sched.Start(); err != nil {
		return errors.Wrap(err, "start scheduler")
	}

	if addr := a.cfg.Server.HTTPAddr; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", addr)
		}
		a.httpSrv = &http.Server{Handler: a.router, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := a.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Errorw("HTTP server error", "error", err)
			}
		}()
		a.log.Infow("HTTP server listening", "addr", lis.Addr().String())
	}

	if addr := a.cfg.Server.GRPCAddr; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", addr)
		}
		go func() {
			if err := a.grpc.Serve(lis); err != nil {
				a.log.Errorw("gRPC server error", "error", err)
			}
		}()
		a.log.Infow("gRPC server listening", "addr", lis.Addr().String())
	}
	return nil
}

// shutdown 依序停止對外服務、排程器、worker 與目錄
func (a *app) shutdown() {
	if a.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.log.Warnw("HTTP shutdown", "error", err)
		}
		cancel()
	}
	a.grpc.GracefulStop()

	a.sched.Stop()
	a.pool.Stop()

	if err := a.catalog.Close(); err != nil {
		a.log.Warnw("Close catalog", "error", err)
	}
}
