package notify

import "strings"

// Router resolves a job's chat label to a concrete delivery target. All
// labels route into one group chat; labels select forum topic threads.
type Router struct {
	chatID       int64
	threads      map[string]int
	reportThread int
}

func NewRouter(chatID int64, threads map[string]int, reportThread int) *Router {
	cp := make(map[string]int, len(threads))
	for k, v := range threads {
		cp[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &Router{chatID: chatID, threads: cp, reportThread: reportThread}
}

// Resolve returns the target for a chat label. Unknown or empty labels land
// in the chat's main thread.
func (r *Router) Resolve(label string) Target {
	t := Target{ChatID: r.chatID}
	if id, ok := r.threads[strings.ToLower(strings.TrimSpace(label))]; ok {
		t.ThreadID = id
	}
	return t
}

// ResolveReport returns the shift-report target for a chat label. When a
// dedicated report thread is configured it overrides the label's thread.
func (r *Router) ResolveReport(label string) Target {
	if r.reportThread != 0 {
		return Target{ChatID: r.chatID, ThreadID: r.reportThread}
	}
	return r.Resolve(label)
}
