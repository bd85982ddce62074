package web

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/internal/session"
	"github.com/MrWong99/voxlive/pkg/audio/browser"
)

// peer is one connected page: its socket, its audio device and the
// controller running its session.
type peer struct {
	conn *conn
	dev  *browser.Peer
	ctrl *session.Controller
	log  *slog.Logger
}

// run reads frames until the socket ends, then tears the session down.
func (p *peer) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	states, unsubscribe := p.ctrl.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for st := range states {
			_ = p.conn.Send(browser.Message{Type: browser.MessageState, State: st})
		}
	}()

	defer func() {
		cancel()
		_ = p.ctrl.Close()
		unsubscribe()
		_ = p.dev.Close()
		wg.Wait()
		p.conn.shutdown(websocket.StatusNormalClosure, "")
		p.conn.wait()
	}()

	for {
		typ, data, err := p.conn.ws.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			if err := p.dev.HandleAudio(data); err != nil {
				p.reject(err)
			}
		case websocket.MessageText:
			cmd, err := decodeCommand(data)
			if err != nil {
				p.reject(err)
				continue
			}
			p.handle(ctx, cmd)
		}
	}
}

func (p *peer) handle(ctx context.Context, cmd browser.Command) {
	p.log.Debug("web: command", "type", cmd.Type)
	observe.RecordCommand(ctx, cmd.Type)
	switch cmd.Type {
	case browser.CommandStart:
		// Start blocks until the session is live, which needs the page's
		// mic_grant to be read by this loop.
		go func() {
			err := p.ctrl.Start(ctx)
			if err != nil && !errors.Is(err, session.ErrStopped) && !errors.Is(err, session.ErrClosed) && !errors.Is(err, context.Canceled) {
				p.log.Debug("web: start failed", "err", err)
			}
		}()
	case browser.CommandStop:
		p.ctrl.Stop()
	case browser.CommandMicGrant:
		p.dev.Grant(cmd.SampleRate)
	case browser.CommandMicDeny:
		p.dev.Deny(cmd.Reason)
	}
}

// reject tells the page a frame could not be used.
func (p *peer) reject(err error) {
	p.log.Debug("web: rejected frame", "err", err)
	_ = p.conn.Send(browser.Message{Type: browser.MessageError, Error: err.Error()})
}
