package events

import "sync"

// Delivery is one routed event captured by Recorder.
type Delivery struct {
	SessionID int64
	UserID    int64
	Except    string
	Event     Event
}

// Recorder is a Publisher that keeps every event it is handed. Tests use it to
// assert on routing without live connections.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
}

var _ Publisher = (*Recorder)(nil)

func (r *Recorder) ToSession(sessionID int64, ev Event, exceptConnID string) {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, Delivery{SessionID: sessionID, Except: exceptConnID, Event: ev})
	r.mu.Unlock()
}

func (r *Recorder) ToUser(userID int64, ev Event) {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, Delivery{UserID: userID, Event: ev})
	r.mu.Unlock()
}

// Deliveries returns a snapshot, optionally filtered by type.
func (r *Recorder) Deliveries(types ...Type) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, 0, len(r.deliveries))
	for _, d := range r.deliveries {
		if len(types) == 0 {
			out = append(out, d)
			continue
		}
		for _, t := range types {
			if d.Event.Type == t {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.deliveries = nil
	r.mu.Unlock()
}
