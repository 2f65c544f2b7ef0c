package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prestige-merchandise/storefront/internal/collection"
	"github.com/prestige-merchandise/storefront/internal/notify"
	pkgerrors "github.com/prestige-merchandise/storefront/pkg/errors"
	"github.com/prestige-merchandise/storefront/pkg/logger"
)

const streamHeartbeat = 15 * time.Second

type streamEvent struct {
	Identity string            `json:"identity"`
	Items    []collection.Item `json:"items"`
	Notices  []notify.Notice   `json:"notices"`
}

// CollectionStream pushes the live collection as server-sent events until the
// client disconnects or the session is disposed. Each event carries the full
// item list; intermediate states may be skipped.
func CollectionStream(hub SessionHub, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lease, ok := acquire(w, r, hub, logg)
		if !ok {
			return
		}
		defer lease.Release()

		rc := http.NewResponseController(w)
		updates, stop := lease.Watch()
		defer stop()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			// Headers are already out; nothing useful can be written.
			logg.WarnErr(r.Context(), "collection stream unsupported", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "flush"))
			return
		}

		ctx := r.Context()
		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
			case items, open := <-updates:
				if !open {
					fmt.Fprint(w, "event: closed\ndata: {}\n\n")
					_ = rc.Flush()
					return
				}
				if items == nil {
					items = []collection.Item{}
				}
				payload, err := json.Marshal(streamEvent{
					Identity: lease.Identity().String(),
					Items:    items,
					Notices:  lease.Notices(),
				})
				if err != nil {
					logg.Error(ctx, "encoding collection event", err)
					return
				}
				if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload); err != nil {
					return
				}
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
