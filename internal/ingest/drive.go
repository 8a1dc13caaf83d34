package ingest

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/govchat/internal/model"
)

// Drive runs src over files and applies every event to the tracker until the
// source returns. Events for files removed meanwhile, or already settled, are
// dropped.
func (t *Tracker) Drive(ctx context.Context, src ProgressSource, files []model.UploadedFile) error {
	log := zap.L().With(zap.String("component", "ingest"))

	return src.Track(ctx, files, func(ev Event) {
		id := ev.FileID
		if id == "" {
			id = t.lookupRemote(ev.RemoteID)
		}
		if id == "" {
			return
		}

		var err error
		if ev.Status == model.FileError {
			err = t.Fail(id, ev.Error)
		} else {
			err = t.Advance(id, ev.Status)
		}

		switch {
		case err == nil:
		case errors.Is(err, ErrUnknownFile), errors.Is(err, ErrTerminal):
			log.Debug("ingest: dropped progress event",
				zap.String("file_id", id),
				zap.String("status", string(ev.Status)),
				zap.Error(err),
			)
		default:
			log.Warn("ingest: rejected progress event",
				zap.String("file_id", id),
				zap.String("status", string(ev.Status)),
				zap.Error(err),
			)
		}
	})
}

func (t *Tracker) lookupRemote(remoteID string) string {
	if remoteID == "" {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range t.order {
		if t.files[id].RemoteID == remoteID {
			return id
		}
	}
	return ""
}
