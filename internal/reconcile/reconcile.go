// Package reconcile merges polled message lists with local optimistic state.
//
// A reconciled list is always the server-confirmed messages ordered by
// (created_at, id), followed by the local pending and failed messages in the
// order they were sent.
package reconcile

import (
	"sort"
	"time"

	"github.com/tOgg1/coursechat/internal/models"
)

// Default reconciliation windows.
const (
	DefaultMatchWindow = 10 * time.Second
	DefaultSendTimeout = 15 * time.Second
)

// Options tunes Merge.
type Options struct {
	// MatchWindow is the maximum created_at distance between a pending message
	// and the fetched message that confirms it.
	// Default: 10s
	MatchWindow time.Duration

	// SendTimeout is how long a pending message may stay unconfirmed before it
	// is marked failed.
	// Default: 15s
	SendTimeout time.Duration
}

// DefaultOptions returns the default windows.
func DefaultOptions() Options {
	return Options{MatchWindow: DefaultMatchWindow, SendTimeout: DefaultSendTimeout}
}

func (o Options) withDefaults() Options {
	if o.MatchWindow <= 0 {
		o.MatchWindow = DefaultMatchWindow
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	return o
}

// Result is the outcome of a Merge.
type Result struct {
	// Messages is the reconciled list.
	Messages []models.Message

	// Matched counts pending messages absorbed by a fetched message.
	Matched int

	// Expired counts pending messages that timed out during this merge.
	Expired int

	// Kept counts local pending and failed messages carried after the confirmed set.
	Kept int

	// Retained counts locally confirmed messages kept although the fetch missed them.
	Retained int

	// Duplicates counts fetched entries dropped for repeating an id.
	Duplicates int
}

// Merge reconciles the local list against a freshly fetched one.
func Merge(local, fetched []models.Message, now time.Time, opts Options) Result {
	opts = opts.withDefaults()

	var res Result

	confirmed := make([]models.Message, 0, len(fetched))
	fetchedIDs := make(map[string]struct{}, len(fetched))
	for _, m := range fetched {
		if _, dup := fetchedIDs[m.ID]; dup {
			res.Duplicates++
			continue
		}
		fetchedIDs[m.ID] = struct{}{}
		confirmed = append(confirmed, m.Confirmed())
	}
	sortConfirmed(confirmed)

	var newest time.Time
	if len(confirmed) > 0 {
		newest = confirmed[len(confirmed)-1].CreatedAt
	}

	knownConfirmed := make(map[string]struct{})
	var tail []models.Message
	for _, m := range local {
		if m.IsLocal() {
			tail = append(tail, m)
			continue
		}
		knownConfirmed[m.ID] = struct{}{}
		if _, ok := fetchedIDs[m.ID]; ok {
			continue
		}
		if m.CreatedAt.After(newest) {
			confirmed = append(confirmed, m.Confirmed())
			fetchedIDs[m.ID] = struct{}{}
			res.Retained++
		}
	}
	if res.Retained > 0 {
		sortConfirmed(confirmed)
	}

	// Only fetched messages the local list has not confirmed yet can absorb a pending one.
	absorbed := make(map[string]bool)
	for _, m := range confirmed {
		if _, ok := knownConfirmed[m.ID]; !ok {
			absorbed[m.ID] = false
		}
	}

	remaining := make([]models.Message, 0, len(tail))
	for _, m := range tail {
		if m.IsPending() {
			if id, ok := findMatch(m, confirmed, absorbed, opts.MatchWindow); ok {
				absorbed[id] = true
				res.Matched++
				continue
			}
			if now.Sub(m.CreatedAt) > opts.SendTimeout {
				m.State = models.DeliveryFailed
				m.FailureReason = models.FailureTimeout
				res.Expired++
			}
		}
		remaining = append(remaining, m)
	}
	res.Kept = len(remaining)

	res.Messages = append(confirmed, remaining...)
	return res
}

func findMatch(pending models.Message, confirmed []models.Message, absorbed map[string]bool, window time.Duration) (string, bool) {
	for _, c := range confirmed {
		used, candidate := absorbed[c.ID]
		if !candidate || used {
			continue
		}
		if c.SenderID != pending.SenderID || c.Content != pending.Content {
			continue
		}
		if absDuration(c.CreatedAt.Sub(pending.CreatedAt)) <= window {
			return c.ID, true
		}
	}
	return "", false
}

// ReplaceConfirmed swaps the local message pendingID for the server copy.
// When the server copy is already present (a poll won the race) the pending
// entry is simply dropped.
func ReplaceConfirmed(list []models.Message, pendingID string, confirmed models.Message) []models.Message {
	out := make([]models.Message, 0, len(list))
	for _, m := range list {
		if m.ID == pendingID {
			continue
		}
		out = append(out, m)
	}
	return Insert(out, confirmed)
}

// Insert adds a confirmed message at its ordered position, replacing any
// existing copy with the same id. Local messages are appended to the tail.
func Insert(list []models.Message, msg models.Message) []models.Message {
	if msg.IsLocal() {
		out := Remove(list, msg.ID)
		return append(out, msg)
	}

	msg = msg.Confirmed()
	confirmed, tail := Split(list)
	for i := range confirmed {
		if confirmed[i].ID == msg.ID {
			confirmed[i] = msg
			sortConfirmed(confirmed)
			return append(confirmed, tail...)
		}
	}

	idx := sort.Search(len(confirmed), func(i int) bool { return msg.Before(confirmed[i]) })
	confirmed = append(confirmed, models.Message{})
	copy(confirmed[idx+1:], confirmed[idx:])
	confirmed[idx] = msg
	return append(confirmed, tail...)
}

// MarkFailed moves a local message to the failed state.
func MarkFailed(list []models.Message, id, reason string) ([]models.Message, bool) {
	out := models.CloneMessages(list)
	for i := range out {
		if out[i].ID == id && out[i].IsLocal() {
			out[i].State = models.DeliveryFailed
			out[i].FailureReason = reason
			return out, true
		}
	}
	return out, false
}

// Requeue turns a failed message back into a pending one sent at now and
// moves it to the end of the tail.
func Requeue(list []models.Message, id string, now time.Time) ([]models.Message, models.Message, bool) {
	msg, ok := Find(list, id)
	if !ok || !msg.IsFailed() {
		return list, models.Message{}, false
	}
	msg.State = models.DeliveryPending
	msg.FailureReason = ""
	msg.CreatedAt = now
	out := Remove(list, id)
	return append(out, msg), msg, true
}

// Remove drops the message with id.
func Remove(list []models.Message, id string) []models.Message {
	out := make([]models.Message, 0, len(list))
	for _, m := range list {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

// Find returns the message with id.
func Find(list []models.Message, id string) (models.Message, bool) {
	for _, m := range list {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}

// Split returns copies of the confirmed prefix and the local tail.
func Split(list []models.Message) (confirmed, local []models.Message) {
	for _, m := range list {
		if m.IsLocal() {
			local = append(local, m)
		} else {
			confirmed = append(confirmed, m)
		}
	}
	return confirmed, local
}

// Ordered reports whether the confirmed messages of list are in
// non-decreasing (created_at, id) order and precede every local message.
func Ordered(list []models.Message) bool {
	seenLocal := false
	for i, m := range list {
		if m.IsLocal() {
			seenLocal = true
			continue
		}
		if seenLocal {
			return false
		}
		if i > 0 && !list[i-1].IsLocal() && m.Before(list[i-1]) {
			return false
		}
	}
	return true
}

func sortConfirmed(list []models.Message) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Before(list[j]) })
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
