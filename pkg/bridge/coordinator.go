package bridge

import (
	"context"
	"maps"
	"net/http"
	"time"

	"github.com/cs3org/wopibridge/pkg/apps"
	"github.com/cs3org/wopibridge/pkg/logger"
	"github.com/cs3org/wopibridge/pkg/wopi"
)

// DefaultWakeInterval is how often the coordinator runs a cycle when no
// save signal arrives.
const DefaultWakeInterval = 60 * time.Second

// invalidLockTag replaces the participants of a document whose lock could
// not be re-acquired, so the next cycles drive it straight to cleanup.
const invalidLockTag = "invalid-lock"

// Coordinator is the single background worker flushing dirty documents to
// storage, force-closing idle sessions and releasing WOPI locks once the
// last participant left.
type Coordinator struct {
	state        *State
	wopi         *wopi.Client
	apps         *apps.Registry
	wakeInterval time.Duration
}

// NewCoordinator wires the coordinator to the shared state, the WOPI
// client and the adapter registry.
func NewCoordinator(state *State, wopiClient *wopi.Client, registry *apps.Registry, wakeInterval time.Duration) *Coordinator {
	return &Coordinator{
		state:        state,
		wopi:         wopiClient,
		apps:         registry,
		wakeInterval: wakeInterval,
	}
}

// Run executes save cycles until the context is cancelled, waking on every
// tick and whenever a handler signals pending work.
func (c *Coordinator) Run(ctx context.Context) error {
	logger.Infow("save coordinator started", "wake_interval", c.wakeInterval)
	ticker := time.NewTicker(c.wakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("save coordinator stopped")
			return nil
		case <-ticker.C:
		case <-c.state.notify:
		}
		c.runCycle(ctx)
	}
}

// runCycle walks a snapshot of the registry. Each document is handled
// under the state mutex so flag updates stay atomic with respect to the
// HTTP handlers; the mutex is released between documents.
func (c *Coordinator) runCycle(ctx context.Context) {
	for _, wopisrc := range c.state.snapshotKeys() {
		c.processDocument(ctx, wopisrc)
	}
}

func (c *Coordinator) processDocument(ctx context.Context, wopisrc string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("save cycle failed on document", "url", wopisrc, "panic", r)
		}
	}()
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	of, ok := c.state.openFiles[wopisrc]
	if !ok {
		// removed while the snapshot was being walked
		return
	}
	lock := c.saveDirty(ctx, wopisrc, of)
	lock, removed := c.closeWhenIdle(ctx, wopisrc, of, lock)
	if removed {
		return
	}
	c.cleanup(ctx, wopisrc, of, lock)
}

// saveDirty flushes a document with a pending save once every participant
// closed it or the save interval elapsed. It returns the lock it fetched
// so the later phases reuse it instead of asking the storage again.
func (c *Coordinator) saveDirty(ctx context.Context, wopisrc string, of *OpenFile) *wopi.Lock {
	if !of.ToSave {
		return nil
	}
	if !allClosed(of.ToClose) && !of.LastSave.Before(time.Now().Add(-c.state.saveInterval)) {
		return nil
	}

	lock, err := c.wopi.GetLock(ctx, wopisrc, of.AccessToken)
	if err != nil {
		logger.Infow("attempting to relock the file",
			"url", wopisrc, "docid", of.DocID, "token", wopi.ShortToken(of.AccessToken))
		lock, err = c.wopi.Relock(ctx, wopisrc, of.AccessToken, of.DocID, allClosed(of.ToClose))
		if err != nil {
			// lost the lock for good: park the failure for the app and
			// tag the record so the next cycles clean it up
			// TODO(save-recovery): spool the app content to local disk so it survives for manual recovery
			logger.Errorw("failed to relock the file", "url", wopisrc, "error", err)
			c.state.saveResponses[wopisrc] = wopi.Message(http.StatusInternalServerError, err.Error())
			of.LastSave = time.Now()
			of.ToSave = false
			of.ToClose = map[string]bool{invalidLockTag: true}
			savesCounter.WithLabelValues("relock_failed").Inc()
			return nil
		}
		c.state.saveResponses[wopisrc] = &wopi.SaveResult{
			Status: http.StatusOK,
			Body:   []byte(lock.Encode()),
		}
	}

	adapter, ok := c.apps.Lookup(lock.App)
	if !ok {
		logger.Errorw("malformed app tag in lock", "url", wopisrc, "lock", lock.Encode())
		c.state.saveResponses[wopisrc] = wopi.Message(http.StatusBadRequest,
			"Unrecognized app for this file")
		savesCounter.WithLabelValues("unknown_app").Inc()
		return lock
	}

	res := adapter.SaveToStorage(ctx, wopisrc, of.AccessToken, allClosed(of.ToClose), lock)
	c.state.saveResponses[wopisrc] = res
	of.LastSave = time.Now()
	of.ToSave = false
	savesCounter.WithLabelValues(saveOutcome(res)).Inc()
	logger.Infow("save completed", "url", wopisrc, "status", res.Status,
		"token", wopi.ShortToken(of.AccessToken))
	return lock
}

func saveOutcome(res *wopi.SaveResult) string {
	switch {
	case res.Status == http.StatusAccepted:
		return "unchanged"
	case res.Status >= http.StatusBadRequest:
		return "error"
	default:
		return "ok"
	}
}

// closeWhenIdle force-closes documents untouched for four save intervals,
// covering participants that vanished without a close signal. A session
// that resumes later gets transparently relocked by the next save.
func (c *Coordinator) closeWhenIdle(ctx context.Context, wopisrc string, of *OpenFile, lock *wopi.Lock) (*wopi.Lock, bool) {
	if !of.LastSave.Before(time.Now().Add(-4 * c.state.saveInterval)) {
		return lock, false
	}
	if lock == nil {
		var err error
		lock, err = c.wopi.GetLock(ctx, wopisrc, of.AccessToken)
		if err != nil {
			logger.Warnw("cleaning up metadata, detected missed close event",
				"url", wopisrc, "lastsave", of.LastSave)
			c.state.deleteLocked(wopisrc)
			return nil, true
		}
	}
	for tok := range of.ToClose {
		of.ToClose[tok] = true
	}
	logger.Infow("force-closing document that looks idle",
		"url", wopisrc, "lastsave", of.LastSave)
	return lock, false
}

// cleanup reconciles close signals with the lock and unlocks the document
// once every participant left and the unlock grace period passed.
func (c *Coordinator) cleanup(ctx context.Context, wopisrc string, of *OpenFile, lock *wopi.Lock) {
	if !anyClosed(of.ToClose) || of.ToSave {
		return
	}
	if lock == nil {
		var err error
		lock, err = c.wopi.GetLock(ctx, wopisrc, of.AccessToken)
		if err != nil {
			// the lock may have been released by another bridge; drop the
			// record only once the grace period passed
			if of.LastSave.Before(time.Now().Add(-c.state.unlockInterval)) {
				logger.Infow("cleaning up metadata, file got unlocked externally", "url", wopisrc)
				c.state.deleteLocked(wopisrc)
			}
			return
		}
	}

	// the lock names the participants; either side may have seen a close
	merged := make(map[string]bool, len(lock.ToClose))
	for tok, closed := range lock.ToClose {
		merged[tok] = closed || of.ToClose[tok]
	}
	changed := !maps.Equal(merged, lock.ToClose)
	of.ToClose = merged

	if allClosed(of.ToClose) {
		if !of.LastSave.Before(time.Now().Add(-c.state.unlockInterval)) {
			return
		}
		if err := c.wopi.Unlock(ctx, wopisrc, of.AccessToken, lock); err != nil {
			logger.Warnw("failed to unlock the file",
				"url", wopisrc, "lastsave", of.LastSave, "error", err)
		} else {
			logger.Infow("unlocked closed file", "url", wopisrc,
				"token", wopi.ShortToken(of.AccessToken))
		}
		c.state.deleteLocked(wopisrc)
		return
	}
	if changed {
		if _, err := c.wopi.RefreshLock(ctx, wopisrc, of.AccessToken, lock,
			wopi.RefreshOverrides{ToClose: of.ToClose}); err != nil {
			logger.Warnw("failed to propagate close signals to the lock",
				"url", wopisrc, "error", err)
		}
	}
}
