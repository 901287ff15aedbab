package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"shiftbeep/internal/models"
)

// SessionTimeResetTolerance is how many seconds the session clock may
// jump backwards before it counts as a session restart rather than
// sim jitter.
const SessionTimeResetTolerance = 5.0

// ChangeType identifies what a tracker observation changed
type ChangeType string

const (
	ChangeConnection   ChangeType = "connection"
	ChangeSessionStart ChangeType = "session_start"
	ChangeSessionEnd   ChangeType = "session_end"
	ChangeCar          ChangeType = "car_change"
	ChangeFlag         ChangeType = "flag_change"
)

// Change describes one observed transition
type Change struct {
	Type ChangeType
	From string
	To   string
}

// Tracker follows the bridge connection and assigns every driving
// session a stable id. Observe must be called from the tick loop only;
// the read accessors are safe from any goroutine.
type Tracker struct {
	mu sync.Mutex

	state       models.ConnState
	sessionID   string
	carID       string
	carName     string
	track       string
	flag        models.FlagState
	sessionTime float64
	startedAt   time.Time
	lastSeen    time.Time
}

// NewTracker creates a tracker starting in the disconnected state
func NewTracker() *Tracker {
	return &Tracker{
		state: models.ConnDisconnected,
		flag:  models.FlagGreen,
	}
}

// Observe feeds one tick of bridge state into the tracker and returns
// the transitions it caused, in the order they happened
func (t *Tracker) Observe(state models.ConnState, sample models.TelemetrySample) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []Change
	t.lastSeen = sample.Timestamp

	if state != t.state {
		changes = append(changes, Change{Type: ChangeConnection, From: string(t.state), To: string(state)})

		if state == models.ConnConnected {
			changes = append(changes, t.startSession(sample))
		} else if t.sessionID != "" {
			changes = append(changes, t.endSession())
		}
		t.state = state
	}

	if t.state != models.ConnConnected {
		return changes
	}

	// A backwards session clock or a different track means the sim
	// moved to a new session without dropping the connection
	if t.sessionID != "" &&
		(sample.SessionTime+SessionTimeResetTolerance < t.sessionTime ||
			(t.track != "" && sample.Track != "" && sample.Track != t.track)) {
		changes = append(changes, t.endSession())
		changes = append(changes, t.startSession(sample))
	}
	t.sessionTime = sample.SessionTime
	if sample.Track != "" {
		t.track = sample.Track
	}

	if sample.CarID != t.carID {
		if t.carID != "" && sample.CarID != "" {
			changes = append(changes, Change{Type: ChangeCar, From: t.carID, To: sample.CarID})
		}
		t.carID = sample.CarID
		t.carName = sample.CarName
	}

	if sample.FlagState != t.flag {
		changes = append(changes, Change{Type: ChangeFlag, From: string(t.flag), To: string(sample.FlagState)})
		t.flag = sample.FlagState
	}

	return changes
}

// MarkDisconnected forces the disconnected state, ending any session.
// Used when the bridge data goes stale or Redis becomes unreachable.
func (t *Tracker) MarkDisconnected() []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == models.ConnDisconnected {
		return nil
	}

	changes := []Change{{Type: ChangeConnection, From: string(t.state), To: string(models.ConnDisconnected)}}
	if t.sessionID != "" {
		changes = append(changes, t.endSession())
	}
	t.state = models.ConnDisconnected
	return changes
}

// startSession mints a new session id. Caller holds the lock.
func (t *Tracker) startSession(sample models.TelemetrySample) Change {
	t.sessionID = uuid.New().String()
	t.startedAt = sample.Timestamp
	t.sessionTime = sample.SessionTime
	t.carID = sample.CarID
	t.carName = sample.CarName
	t.track = sample.Track
	return Change{Type: ChangeSessionStart, To: t.sessionID}
}

// endSession clears the session id. Caller holds the lock.
func (t *Tracker) endSession() Change {
	change := Change{Type: ChangeSessionEnd, From: t.sessionID}
	t.sessionID = ""
	return change
}

// SessionID returns the current session id, empty when no session
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// State returns the current connection state
func (t *Tracker) State() models.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastSeen returns the timestamp of the last observed tick
func (t *Tracker) LastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// Info returns the session portion of a status snapshot. The caller
// fills in fields the tracker does not own, like paused.
func (t *Tracker) Info() models.SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return models.SessionInfo{
		Connection:  t.state,
		SessionID:   t.sessionID,
		CarID:       t.carID,
		CarName:     t.carName,
		Track:       t.track,
		FlagState:   t.flag,
		SessionTime: t.sessionTime,
	}
}
