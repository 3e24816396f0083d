package bridge

import (
	"sync"
	"time"

	"github.com/cs3org/wopibridge/pkg/logger"
	"github.com/cs3org/wopibridge/pkg/wopi"
)

// OpenFile tracks one document currently mediated by the bridge. The JSON
// shape is what /list exposes to operators.
type OpenFile struct {
	// AccessToken is a currently valid WOPI token for the document, used
	// for outbound storage calls on behalf of every participant.
	AccessToken string `json:"acctok"`
	// DocID identifies the document inside the app.
	DocID string `json:"docid"`
	// ToSave is set while a save signal is pending.
	ToSave bool `json:"tosave"`
	// LastSave is when the coordinator last flushed the document, or gave
	// up on flushing it.
	LastSave time.Time `json:"lastsave"`
	// ToClose maps each participant's short token to its close signal.
	ToClose map[string]bool `json:"toclose"`
}

// State owns the soft state shared between the HTTP handlers and the save
// coordinator: the open-files registry and the deferred save responses.
// One mutex guards both maps; a buffered channel stands in for a condition
// variable to wake the coordinator.
type State struct {
	mu            sync.Mutex
	openFiles     map[string]*OpenFile
	saveResponses map[string]*wopi.SaveResult
	notify        chan struct{}

	saveInterval   time.Duration
	unlockInterval time.Duration
}

// NewState builds the registry. saveInterval paces the periodic flushes of
// a dirty document; unlockInterval is the grace period before an idle,
// fully closed document is unlocked.
func NewState(saveInterval, unlockInterval time.Duration) *State {
	return &State{
		openFiles:      make(map[string]*OpenFile),
		saveResponses:  make(map[string]*wopi.SaveResult),
		notify:         make(chan struct{}, 1),
		saveInterval:   saveInterval,
		unlockInterval: unlockInterval,
	}
}

// Notify wakes the save coordinator. Signals sent while a cycle is already
// pending coalesce into one.
func (s *State) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// UpsertOpen records a newly opened or re-opened document once its WOPI
// lock is in place. Re-opens adopt the participants of the current lock;
// any stale deferred save response is dropped.
func (s *State) UpsertOpen(wopisrc, acctok string, lock *wopi.Lock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if of, ok := s.openFiles[wopisrc]; ok {
		of.AccessToken = acctok
		of.ToClose = cloneBools(lock.ToClose)
	} else {
		s.openFiles[wopisrc] = &OpenFile{
			AccessToken: acctok,
			DocID:       lock.DocID,
			LastSave:    time.Now().Add(-s.saveInterval),
			ToClose:     map[string]bool{wopi.ShortToken(acctok): false},
		}
		openFilesGauge.Set(float64(len(s.openFiles)))
	}
	delete(s.saveResponses, wopisrc)
}

// EnqueueSave records a save signal from the app, repopulating the
// registry when the bridge restarted since the document was opened. It
// returns the deferred response of a previous save round when one is
// parked, and whether the coordinator was woken for an immediate round.
func (s *State) EnqueueSave(wopisrc, acctok, docid string, isClose bool) (*wopi.SaveResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	of, known := s.openFiles[wopisrc]
	wake := isClose || !known || of.LastSave.Before(time.Now().Add(-s.saveInterval))
	if known {
		of.ToSave = true
		tok := wopi.ShortToken(acctok)
		// a close signal sticks even when later saves arrive without it
		of.ToClose[tok] = of.ToClose[tok] || isClose
	} else {
		logger.Infow("repopulating missing metadata on save",
			"url", wopisrc, "isclose", isClose, "token", wopi.ShortToken(acctok))
		s.openFiles[wopisrc] = &OpenFile{
			AccessToken: acctok,
			DocID:       docid,
			ToSave:      true,
			LastSave:    time.Now().Add(-s.saveInterval),
			ToClose:     map[string]bool{wopi.ShortToken(acctok): isClose},
		}
		delete(s.saveResponses, wopisrc)
		openFilesGauge.Set(float64(len(s.openFiles)))
	}
	savesEnqueuedCounter.Inc()
	if wake {
		s.Notify()
	}

	if res, ok := s.saveResponses[wopisrc]; ok {
		delete(s.saveResponses, wopisrc)
		return res, wake
	}
	return nil, wake
}

// Dump returns a deep copy of the registry for the /list endpoint.
func (s *State) Dump() map[string]OpenFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]OpenFile, len(s.openFiles))
	for wopisrc, of := range s.openFiles {
		c := *of
		c.ToClose = cloneBools(of.ToClose)
		out[wopisrc] = c
	}
	return out
}

// snapshotKeys lists the tracked documents without holding the mutex
// across a whole coordinator cycle.
func (s *State) snapshotKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.openFiles))
	for wopisrc := range s.openFiles {
		keys = append(keys, wopisrc)
	}
	return keys
}

// deleteLocked drops a document from the registry. Callers hold s.mu.
func (s *State) deleteLocked(wopisrc string) {
	delete(s.openFiles, wopisrc)
	openFilesGauge.Set(float64(len(s.openFiles)))
}

func cloneBools(m map[string]bool) map[string]bool {
	c := make(map[string]bool, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// allClosed reports whether every participant signalled close.
func allClosed(toclose map[string]bool) bool {
	for _, closed := range toclose {
		if !closed {
			return false
		}
	}
	return true
}

// anyClosed reports whether at least one participant signalled close.
func anyClosed(toclose map[string]bool) bool {
	for _, closed := range toclose {
		if closed {
			return true
		}
	}
	return false
}
