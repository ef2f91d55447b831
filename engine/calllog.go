package engine

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sprucehealth/telecore/model"
)

// CallLogEntry is the record written when a call leaves the system,
// including incoming calls that were auto-rejected before registration.
type CallLogEntry struct {
	Address      string
	Direction    model.Direction
	CreationTime time.Time
	ConnectTime  time.Time
	EndTime      time.Time
	Cause        model.DisconnectCause
}

// Missed reports whether the entry represents an unanswered incoming call
func (e CallLogEntry) Missed() bool {
	return e.Direction == model.DirectionIncoming && e.ConnectTime.IsZero()
}

// CallLog consumes call records. Implementations are invoked on the
// orchestration context and should not block.
type CallLog interface {
	LogCall(e CallLogEntry)
}

type logrusCallLog struct {
	log logrus.FieldLogger
}

func (l logrusCallLog) LogCall(e CallLogEntry) {
	entry := l.log.WithFields(logrus.Fields{
		"address":   e.Address,
		"direction": e.Direction,
		"cause":     e.Cause,
		"missed":    e.Missed(),
	})
	if !e.ConnectTime.IsZero() {
		entry = entry.WithField("talk_time", e.EndTime.Sub(e.ConnectTime))
	}
	entry.Info("call ended")
}
