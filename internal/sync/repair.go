package sync

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/remote"
)

type repairKind int

const (
	repairRemove repairKind = iota
	repairFlags
)

// repair is a local store write that failed after the server had already
// accepted the change. Repairs are replayed after the next connect so
// that the local store catches up with the server.
type repair struct {
	kind   repairKind
	flags  remote.Flags
	modseq uint64
}

func (o *Orchestrator) addRepair(path, key string, r repair) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.repairs[stateKey{path, key}] = r

	logrus.WithFields(logrus.Fields{"path": path, "key": key}).Warn("Local store behind server, repair queued")
}

// PendingRepairs returns the number of queued repairs.
func (o *Orchestrator) PendingRepairs() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.repairs)
}

// replayRepairs retries queued local writes. Failed ones stay queued.
func (o *Orchestrator) replayRepairs(ctx context.Context) {
	o.mu.Lock()
	pending := make(map[stateKey]repair, len(o.repairs))
	for k, r := range o.repairs {
		pending[k] = r
	}
	o.mu.Unlock()

	for k, r := range pending {
		var err error
		switch r.kind {
		case repairRemove:
			err = o.removeStored(ctx, k.path, k.key)
		case repairFlags:
			err = o.storeFlags(ctx, k.path, k.key, r.flags, r.modseq)
		}

		log := logrus.WithFields(logrus.Fields{"path": k.path, "key": k.key})
		if err != nil {
			log.WithError(err).Warn("Repair failed")
			continue
		}

		o.mu.Lock()
		if cur, ok := o.repairs[k]; ok && cur == r {
			delete(o.repairs, k)
		}
		o.mu.Unlock()

		log.Debug("Repair applied")
	}
}
