package receiver

import (
	appevents "github.com/rescp17/peerFileSharer/internal/app_events"
	"github.com/rescp17/peerFileSharer/pkg/session"
)

// MatchedMsg is sent once the code has been claimed.
type MatchedMsg struct {
	appevents.UIMessage
	Peer string
	File session.FileMeta
}

type ChannelsOpenMsg struct {
	appevents.UIMessage
	Open int
	Size int
}

var (
	_ appevents.AppUIMessage = MatchedMsg{}
	_ appevents.AppUIMessage = ChannelsOpenMsg{}
)
