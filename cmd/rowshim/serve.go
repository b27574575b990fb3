package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/wmib/rowshim/gateway"
	"github.com/wmib/rowshim/httpapi"
	mbp "github.com/wmib/rowshim/mainboilerplate"
	"github.com/wmib/rowshim/pending"
	"github.com/wmib/rowshim/recovery"
	"github.com/wmib/rowshim/server"
	"github.com/wmib/rowshim/snapshot"
	"github.com/wmib/rowshim/sqldb"
	"github.com/wmib/rowshim/task"
)

type cmdServe struct{}

func (cmdServe) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var srv, err = server.New(Config.Service.Iface, Config.Service.Port)
	mbp.Must(err, "building Server instance")
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics, srv.HTTPMux)()

	log.WithFields(log.Fields{
		"driver":    Config.Database.Driver,
		"snapshot":  Config.Snapshot.Path,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
		"endpoint":  Config.Service.Endpoint(srv.Port()),
	}).Info("starting rowshim")

	lock, err := snapshot.AcquireLock(Config.Snapshot.Path)
	mbp.Must(err, "failed to lock snapshot", "path", Config.Snapshot.Path)
	defer func() { mbp.Must(lock.Release(), "failed to release snapshot lock") }()

	var store = newStore(afero.NewOsFs())
	var queue = pending.NewQueue()
	mustRecoverPending(store, queue)

	var db = sqldb.New(Config.Database.Config)
	_ = db.Connect(context.Background()) // Logs on error. Retried by Maintain.

	var gw = gateway.New(db, queue, store, Config.Gateway.Separator)
	var sched = recovery.NewScheduler(Config.Recovery.Config, queue, gw, store)

	var recoveryStopped atomic.Bool
	var handler = httpapi.NewHandler(gw)
	handler.RecoveryStopped = recoveryStopped.Load
	handler.Register(srv.HTTPMux)

	var tasks = task.NewGroup(context.Background())
	srv.QueueTasks(tasks)

	tasks.Queue("db.Maintain", func() error {
		return db.Maintain(tasks.Context(), Config.Database.ConnectInterval)
	})
	tasks.Queue("recovery.Serve", func() error {
		if err := sched.Serve(tasks.Context()); err != nil {
			// Continue serving writes, which are still queued and persisted.
			// They'll be recovered by the next process.
			recoveryStopped.Store(true)
			log.WithField("err", err).
				Error("recovery loop failed; pending rows will not be replayed until restart")
		}
		return nil
	})

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signals", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
		case <-tasks.Context().Done():
		}
		return nil
	})
	tasks.GoRun()

	// Block until all tasks complete. Assert none returned an error.
	mbp.Must(tasks.Wait(), "rowshim task failed")

	// Persist rows still pending, for recovery by the next process.
	if !store.DeleteIfEmpty(queue.Len) && queue.Len() != 0 {
		gw.Flush()
		log.WithField("pending", queue.Len()).Warn("exiting with pending rows")
	}
	db.Disconnect()

	log.Info("goodbye")
	return nil
}

// mustRecoverPending loads the snapshot of a previous process into |queue|.
// A snapshot which cannot be decoded is fatal, unless DiscardCorrupt is set.
func mustRecoverPending(store *snapshot.Store, queue *pending.Queue) {
	var set, found, err = store.Load()

	if errors.Cause(err) == snapshot.ErrCorrupt && Config.Snapshot.DiscardCorrupt {
		var dest, qErr = store.Quarantine(time.Now())
		mbp.Must(qErr, "failed to move aside corrupt snapshot", "path", store.Path())

		log.WithFields(log.Fields{
			"err":  err,
			"path": dest,
		}).Error("discarded corrupt snapshot; its pending rows are lost")
		return
	}
	mbp.Must(err, "failed to load snapshot of pending rows (see --snapshot.discard-corrupt)",
		"path", store.Path())

	if found && len(set) != 0 {
		queue.EnqueueSet(set)
		log.WithFields(log.Fields{
			"path":    store.Path(),
			"pending": len(set),
		}).Warn("recovered pending rows of previous process")
	}
}
