// Package presenter turns one run's event sequence into a bounded,
// rate-limited series of outbound message operations.
package presenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miilv/takopi/internal/config"
	"github.com/miilv/takopi/internal/event"
	"github.com/miilv/takopi/internal/transport"
)

// recentLines is how many progress lines the live message shows.
const recentLines = 4

// Options configure rendering and pacing.
type Options struct {
	// MinEditInterval suppresses edits closer together than this. The
	// terminal flush ignores it.
	MinEditInterval time.Duration

	// Overflow selects trim or split when text exceeds the transport's
	// message limit.
	Overflow string
}

// Presenter owns one run's presentation state. It is driven by a single
// goroutine (the run's event pump); it is not safe for concurrent use.
type Presenter struct {
	tr     transport.Transport
	chatID string
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	header   string
	recent   []string
	frags    []string // accumulated text, pre-split to fit the limit
	msgID    string   // live progress message, "" until first send
	lastEdit time.Time
	done     bool
}

// New builds a presenter for one run addressed at chatID.
func New(tr transport.Transport, chatID string, opts Options, logger *slog.Logger) *Presenter {
	if opts.Overflow == "" {
		opts.Overflow = config.OverflowTrim
	}
	return &Presenter{
		tr:     tr,
		chatID: chatID,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Handle consumes the next event of the run. Terminal events flush and
// close the presenter; later calls are ignored.
func (p *Presenter) Handle(ctx context.Context, ev event.Event) {
	if p.done {
		return
	}
	switch ev.Kind {
	case event.KindStarted:
		p.header = fmt.Sprintf("%s is working...", ev.Engine)
	case event.KindAction:
		p.action(ctx, ev)
	case event.KindCompleted:
		p.finalize(ctx, p.finalText(ev.Result))
	case event.KindErrored:
		p.finalize(ctx, p.finalText("")+"\n\n"+"run failed: "+ev.Reason)
	case event.KindCancelled:
		p.finalize(ctx, p.finalText("")+"\n\n"+"run cancelled")
	}
}

func (p *Presenter) action(ctx context.Context, ev event.Event) {
	if ev.Action == nil {
		return
	}
	if p.header == "" {
		p.header = fmt.Sprintf("%s is working...", ev.Engine)
	}

	p.recent = append(p.recent, ev.Action.Title)
	if len(p.recent) > recentLines {
		p.recent = p.recent[len(p.recent)-recentLines:]
	}
	if ev.Action.Kind == "message" {
		if text := ev.Action.Detail["text"]; text != "" {
			p.append(text)
		}
	}

	limit := p.tr.MessageLimit()
	body := trimMessage(p.progressBody(), limit)

	if p.msgID == "" {
		id, err := p.tr.SendMessage(ctx, p.chatID, body, transport.SendOptions{Silent: true})
		if err != nil {
			p.logger.Warn("progress send failed", "chat_id", p.chatID, "run_id", ev.RunID, "error", err)
			return
		}
		p.msgID = id
		p.lastEdit = p.now()
		return
	}

	if p.now().Sub(p.lastEdit) < p.opts.MinEditInterval {
		return
	}
	p.edit(ctx, body, ev.RunID)
}

// append adds one text fragment to the accumulated buffer, hard-splitting
// fragments that alone exceed the transport limit.
func (p *Presenter) append(text string) {
	limit := p.tr.MessageLimit()
	for _, frag := range splitMessage(text, limit) {
		p.frags = append(p.frags, frag)
	}
}

func (p *Presenter) progressBody() string {
	var b strings.Builder
	b.WriteString(p.header)
	for _, line := range p.recent {
		b.WriteString("\n")
		b.WriteString(line)
	}
	return b.String()
}

// finalText joins the accumulated fragments with the final result,
// skipping the result when the stream already delivered it verbatim.
func (p *Presenter) finalText(result string) string {
	parts := append([]string{}, p.frags...)
	result = strings.TrimSpace(result)
	if result != "" && (len(parts) == 0 || parts[len(parts)-1] != result) {
		parts = append(parts, result)
	}
	if len(parts) == 0 {
		return p.header
	}
	return strings.Join(parts, "\n\n")
}

// finalize always flushes, bypassing the rate limit.
func (p *Presenter) finalize(ctx context.Context, text string) {
	p.done = true
	text = strings.TrimSpace(text)
	if text == "" {
		text = "(no output)"
	}
	limit := p.tr.MessageLimit()

	if p.opts.Overflow == config.OverflowSplit && len(text) > limit {
		parts := splitMessage(text, limit)
		p.deliver(ctx, parts[0])
		for _, part := range parts[1:] {
			if _, err := p.tr.SendMessage(ctx, p.chatID, part, transport.SendOptions{}); err != nil {
				p.logger.Warn("overflow send failed", "chat_id", p.chatID, "error", err)
			}
		}
		return
	}

	p.deliver(ctx, trimMessage(text, limit))
}

// deliver edits the live progress message into text, or sends fresh when
// none exists or the old message is gone.
func (p *Presenter) deliver(ctx context.Context, text string) {
	if p.msgID != "" {
		err := p.tr.EditMessage(ctx, p.chatID, p.msgID, text, transport.SendOptions{})
		switch {
		case err == nil, errors.Is(err, transport.ErrNotModified):
			return
		case errors.Is(err, transport.ErrMessageGone):
			p.msgID = ""
		default:
			p.logger.Warn("final edit failed", "chat_id", p.chatID, "error", err)
			return
		}
	}
	id, err := p.tr.SendMessage(ctx, p.chatID, text, transport.SendOptions{})
	if err != nil {
		p.logger.Warn("final send failed", "chat_id", p.chatID, "error", err)
		return
	}
	p.msgID = id
}

func (p *Presenter) edit(ctx context.Context, body, runID string) {
	err := p.tr.EditMessage(ctx, p.chatID, p.msgID, body, transport.SendOptions{})
	switch {
	case err == nil:
		p.lastEdit = p.now()
	case errors.Is(err, transport.ErrNotModified):
		p.lastEdit = p.now()
	case errors.Is(err, transport.ErrMessageGone):
		id, serr := p.tr.SendMessage(ctx, p.chatID, body, transport.SendOptions{Silent: true})
		if serr != nil {
			p.logger.Warn("progress resend failed", "chat_id", p.chatID, "run_id", runID, "error", serr)
			return
		}
		p.msgID = id
		p.lastEdit = p.now()
	default:
		p.logger.Warn("progress edit failed", "chat_id", p.chatID, "run_id", runID, "error", err)
	}
}
