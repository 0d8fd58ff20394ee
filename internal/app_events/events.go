// Package appevents defines the messages an App publishes to its front end.
package appevents

import (
	"time"

	"github.com/rescp17/peerFileSharer/pkg/transfer"
)

// AppUIMessage is a marker interface for messages sent from an App to the
// CLI. Only types embedding UIMessage satisfy it.
type AppUIMessage interface {
	isUIMessage()
}

// UIMessage is embedded by every message type.
type UIMessage struct{}

func (UIMessage) isUIMessage() {}

type AppErrorMsg struct {
	UIMessage
	Err      error
	Category string
}

type StatusUpdateMsg struct {
	UIMessage
	Message string
}

type ProgressUpdateMsg struct {
	UIMessage
	Transferred int64
	Total       int64
	Rate        float64       // bytes per second
	ETA         time.Duration // negative while unknown
	Percent     float64       // 0-100
}

// ProgressFromReport converts an estimator sample.
func ProgressFromReport(r transfer.Report) ProgressUpdateMsg {
	return ProgressUpdateMsg{
		Transferred: r.Received,
		Total:       r.Total,
		Rate:        r.Rate,
		ETA:         r.ETA,
		Percent:     r.Percent(),
	}
}

type TransferCompleteMsg struct {
	UIMessage
	Path    string
	Bytes   int64
	Elapsed time.Duration
}

var (
	_ AppUIMessage = AppErrorMsg{}
	_ AppUIMessage = StatusUpdateMsg{}
	_ AppUIMessage = ProgressUpdateMsg{}
	_ AppUIMessage = TransferCompleteMsg{}
)
