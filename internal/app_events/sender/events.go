package sender

import (
	appevents "github.com/rescp17/peerFileSharer/internal/app_events"
	"github.com/rescp17/peerFileSharer/pkg/fileInfo"
)

// CodeMsg carries the pairing code to show the user.
type CodeMsg struct {
	appevents.UIMessage
	Code string
	File fileInfo.FileInfo
}

// PeerJoinedMsg is sent once a receiver has claimed the code.
type PeerJoinedMsg struct {
	appevents.UIMessage
	Peer string
}

type ChannelsOpenMsg struct {
	appevents.UIMessage
	Open int
	Size int
}

var (
	_ appevents.AppUIMessage = CodeMsg{}
	_ appevents.AppUIMessage = PeerJoinedMsg{}
	_ appevents.AppUIMessage = ChannelsOpenMsg{}
)
