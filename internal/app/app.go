// Package app assembles the server from its configuration: the durable
// store, the append log, the pagination engine and both network front ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"receiptlog/internal/api"
	"receiptlog/internal/config"
	"receiptlog/internal/engine"
	"receiptlog/internal/logger"
	"receiptlog/internal/metrics"
	"receiptlog/internal/model"
	"receiptlog/internal/pagination"
	"receiptlog/internal/receipts"
	"receiptlog/internal/resp"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	store    *engine.Store
	http     *http.Server
	httpLn   net.Listener
	resp     *resp.Server
	respLn   net.Listener
	serveErr chan error
}

// Start opens the data directory, replays the commit log and begins serving.
func Start(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := engine.OpenStore(ctx, engine.StoreCfg{
		CommitLog: engine.CommitLogCfg{
			Path:                 cfg.CommitLogPath(),
			EnqueueTimeout:       cfg.EnqueueTimeout(),
			FlushInterval:        cfg.FlushInterval(),
			MaxEnqueuingMutation: cfg.MaxEnqueued,
			BufferBytes:          cfg.BufferBytes,
		},
		Codec: cfg.Codec(),
	})
	if err != nil {
		return nil, err
	}
	a := &App{store: store, serveErr: make(chan error, 2)}

	reg, err := metrics.New(metrics.Cfg{Interval: cfg.MetricsInterval()})
	if err != nil {
		a.Close()
		return nil, err
	}
	log := receipts.New(store, receipts.Cfg{
		CacheSize: cfg.PartitionCacheSize,
		OnAppend:  func(model.Record) { reg.Appended() },
	})
	if err := bootstrapAdmin(ctx, log, model.Identity(cfg.Admin)); err != nil {
		a.Close()
		return nil, err
	}
	pages := pagination.NewEngine(log)

	a.httpLn, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("listen http: %w", err)
	}
	a.http = &http.Server{
		Handler:           api.NewServer(log, pages, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("addr", a.httpLn.Addr().String(), "http server listening")
		if err := a.http.Serve(a.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.RESPAddr != "" {
		a.respLn, err = net.Listen("tcp", cfg.RESPAddr)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("listen resp: %w", err)
		}
		a.resp = resp.NewServer(log, pages, reg)
		go func() {
			if err := a.resp.Serve(a.respLn); err != nil {
				a.serveErr <- fmt.Errorf("resp server: %w", err)
			}
		}()
	}
	return a, nil
}

// bootstrapAdmin initializes the log with admin on first start. A log that
// already has an admin is left alone.
func bootstrapAdmin(ctx context.Context, log *receipts.Log, admin model.Identity) error {
	if !admin.Valid() {
		return nil
	}
	current, ok, err := log.Admin(ctx)
	if err != nil {
		return err
	}
	if ok {
		if current != admin {
			logger.Warn("configured", string(admin), "current", string(current), "admin already set, ignoring configured admin")
		}
		return nil
	}
	return log.Init(ctx, admin)
}

func (a *App) HTTPAddr() string {
	if a.httpLn == nil {
		return ""
	}
	return a.httpLn.Addr().String()
}

func (a *App) RESPAddr() string {
	if a.respLn == nil {
		return ""
	}
	return a.respLn.Addr().String()
}

// Err reports a front end that stopped serving on its own.
func (a *App) Err() <-chan error {
	return a.serveErr
}

// Close stops both front ends and flushes the commit log.
func (a *App) Close() error {
	var errs []error
	if a.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, a.http.Shutdown(ctx))
		cancel()
	} else if a.httpLn != nil {
		errs = append(errs, a.httpLn.Close())
	}
	if a.resp != nil {
		if err := a.resp.Close(); err != nil {
			// not serving yet
			_ = a.respLn.Close()
		}
	} else if a.respLn != nil {
		errs = append(errs, a.respLn.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
