package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/wmib/rowshim/gateway"
	mbp "github.com/wmib/rowshim/mainboilerplate"
	"github.com/wmib/rowshim/pending"
	"github.com/wmib/rowshim/recovery"
	"github.com/wmib/rowshim/snapshot"
	"github.com/wmib/rowshim/sqldb"
)

type cmdReplay struct{}

func (cmdReplay) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var lock, err = snapshot.AcquireLock(Config.Snapshot.Path)
	if err != nil {
		return err
	}
	defer lock.Release()

	var store = newStore(afero.NewOsFs())
	recovered, remaining, err := replay(ctx, store, sqldb.New(Config.Database.Config))
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"recovered": recovered,
		"remaining": remaining,
	}).Info("replay complete")

	if remaining != 0 {
		_ = lock.Release()
		os.Exit(2)
	}
	return nil
}

// replay runs a single recovery pass of the snapshot of |store| against the
// connected |db|, returning the number of rows recovered and which remain.
func replay(ctx context.Context, store *snapshot.Store, db *sqldb.DB) (recovered, remaining int, err error) {
	set, _, err := store.Load()
	if err != nil {
		return 0, 0, err
	}
	var queue = pending.NewQueue()
	queue.EnqueueSet(set)

	if queue.Len() == 0 {
		store.DeleteIfEmpty(queue.Len)
		return 0, 0, nil
	}

	if err = db.Connect(ctx); err != nil {
		return 0, len(set), errors.WithMessage(err, "connecting to database")
	}
	defer db.Disconnect()

	var gw = gateway.New(db, queue, store, Config.Gateway.Separator)
	var sched = recovery.NewScheduler(recovery.DefaultConfig, queue, gw, store)

	if recovered, _, err = sched.RunPass(ctx); err != nil {
		return recovered, queue.Len(), err
	}
	store.DeleteIfEmpty(queue.Len)

	return recovered, queue.Len(), nil
}
