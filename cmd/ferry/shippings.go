package main

import (
	"net/http"
	"time"

	"github.com/cuemby/ferry/pkg/backupschedule"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// activeLister is the view of the running schedules served on /shippings
type activeLister interface {
	ActiveShippings(rscName, remoteName, schedName string) []backupschedule.Active
}

type shippingView struct {
	Schedule        string    `json:"schedule"`
	Remote          string    `json:"remote"`
	Resource        string    `json:"resource"`
	Fired           bool      `json:"fired"`
	NextRun         time.Time `json:"next_run"`
	Incremental     bool      `json:"incremental"`
	LastStart       time.Time `json:"last_start"`
	LastIncremental bool      `json:"last_incremental"`
	Retries         int       `json:"retries"`
}

// shippingsHandler lists the armed definitions of the running daemon. The
// resource, remote and schedule query parameters filter the list.
func shippingsHandler(src activeLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		active := src.ActiveShippings(q.Get("resource"), q.Get("remote"), q.Get("schedule"))
		views := make([]shippingView, 0, len(active))
		for _, a := range active {
			views = append(views, shippingView{
				Schedule:        a.Key.Schedule,
				Remote:          a.Key.Remote,
				Resource:        a.Key.Resource,
				Fired:           a.Fired,
				NextRun:         a.NextRun,
				Incremental:     a.Decision.Incremental,
				LastStart:       a.LastStart,
				LastIncremental: a.LastIncremental,
				Retries:         a.Retries,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(views)
	}
}
