// Package ui renders App messages on a terminal. On a TTY progress is drawn
// as a single redrawn bar; otherwise one line is printed per tenth of the
// transfer so logs stay readable.
package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"golang.org/x/term"

	appevents "github.com/rescp17/peerFileSharer/internal/app_events"
	receiverEvent "github.com/rescp17/peerFileSharer/internal/app_events/receiver"
	senderEvent "github.com/rescp17/peerFileSharer/internal/app_events/sender"
	"github.com/rescp17/peerFileSharer/internal/style"
	"github.com/rescp17/peerFileSharer/internal/util"
)

const (
	defaultWidth = 80
	barWidth     = 30
)

// Console writes a human readable account of one transfer.
type Console struct {
	out   io.Writer
	tty   bool
	width int
	bar   progress.Model

	inBar     bool
	lastTenth int
}

// NewConsole renders to out. Progress is redrawn in place only when out is
// a terminal.
func NewConsole(out io.Writer) *Console {
	c := &Console{
		out:       out,
		width:     defaultWidth,
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth), progress.WithoutPercentage()),
		lastTenth: -1,
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.tty = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			c.width = w
		}
	}
	return c
}

// Run renders msgs until the channel closes or ctx is done.
func (c *Console) Run(ctx context.Context, msgs <-chan appevents.AppUIMessage) {
	for {
		select {
		case <-ctx.Done():
			c.endBar()
			return
		case msg, ok := <-msgs:
			if !ok {
				c.endBar()
				return
			}
			c.Render(msg)
		}
	}
}

// Drain renders whatever is still buffered in msgs without waiting.
func (c *Console) Drain(msgs <-chan appevents.AppUIMessage) {
	defer c.endBar()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.Render(msg)
		default:
			return
		}
	}
}

// Render writes a single message.
func (c *Console) Render(msg appevents.AppUIMessage) {
	switch msg := msg.(type) {
	case appevents.ProgressUpdateMsg:
		c.progress(msg)
	case appevents.StatusUpdateMsg:
		c.line(style.MutedStyle.Render(msg.Message))
	case senderEvent.CodeMsg:
		body := fmt.Sprintf("%s  %s\n%s (%s)",
			style.TitleStyle.Render("Code"),
			style.CodeStyle.Render(msg.Code),
			msg.File.Name, util.FormatSize(msg.File.Size))
		c.line(style.BaseStyle.Render(body))
		c.line("Run `peerfilesharer receive " + msg.Code + "` on the other machine.")
	case senderEvent.PeerJoinedMsg:
		c.line("Receiver " + style.HighlightFontStyle.Render(short(msg.Peer)) + " joined")
	case senderEvent.ChannelsOpenMsg:
		c.channels(msg.Open, msg.Size)
	case receiverEvent.MatchedMsg:
		c.line(fmt.Sprintf("Receiving %s (%s) from %s",
			style.HighlightFontStyle.Render(msg.File.Name),
			util.FormatSize(msg.File.Size), short(msg.Peer)))
	case receiverEvent.ChannelsOpenMsg:
		c.channels(msg.Open, msg.Size)
	case appevents.TransferCompleteMsg:
		c.line(style.SuccessStyle.Render("Done") + fmt.Sprintf(" %s in %s  %s",
			util.FormatSize(msg.Bytes), msg.Elapsed.Round(10*time.Millisecond), msg.Path))
	case appevents.AppErrorMsg:
		c.line(style.ErrorStyle.Render("Failed") + fmt.Sprintf(" (%s): %v", msg.Category, msg.Err))
	}
}

func (c *Console) channels(open, size int) {
	c.line(fmt.Sprintf("%d/%d data channels open", open, size))
}

func (c *Console) progress(msg appevents.ProgressUpdateMsg) {
	stats := fmt.Sprintf("%5.1f%%  %s / %s  %s  ETA %s",
		msg.Percent,
		util.FormatSize(msg.Transferred), util.FormatSize(msg.Total),
		util.FormatRate(msg.Rate), util.FormatETA(msg.ETA))

	if !c.tty {
		tenth := int(msg.Percent / 10)
		if tenth <= c.lastTenth {
			return
		}
		c.lastTenth = tenth
		fmt.Fprintln(c.out, stats)
		return
	}
	// FitWidth counts escape sequences as text, so only the plain part is fitted.
	fmt.Fprint(c.out, "\r"+c.bar.ViewAs(msg.Percent/100)+"  "+util.FitWidth(stats, max(c.width-barWidth-3, 20)))
	c.inBar = true
}

// line prints text on its own line, closing an active progress bar first.
func (c *Console) line(text string) {
	c.endBar()
	fmt.Fprintln(c.out, text)
}

func (c *Console) endBar() {
	if c.inBar {
		fmt.Fprintln(c.out)
		c.inBar = false
	}
}

func short(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
