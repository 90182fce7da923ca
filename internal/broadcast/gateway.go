package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	kit "wavecast/internal/transport"
)

// ErrSendTimeout is returned when a send does not finish within the send timeout.
var ErrSendTimeout = errors.New("send timed out")

// AdapterGateway exposes a transport adapter as a Gateway.
type AdapterGateway struct {
	Adapter kit.Adapter
	Options *kit.SendOptions
}

func (g AdapterGateway) Resolve(ctx context.Context, id string) (Channel, error) {
	chat, err := g.Adapter.ResolveChat(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	return Channel{ID: id, Name: chat.Title, Ref: chat.Target}, nil
}

func (g AdapterGateway) Send(ctx context.Context, ch Channel, text string) error {
	to, ok := ch.Ref.(kit.ChatTarget)
	if !ok {
		return fmt.Errorf("channel %s: not resolved by this gateway", ch.ID)
	}
	opt := g.Options
	if opt == nil {
		opt = &kit.SendOptions{DisablePreview: true}
	}
	_, err := g.Adapter.SendText(ctx, to, text, opt)
	return err
}

// boundedSend calls gw.Send with a deadline. The call runs in its own goroutine
// so a gateway that ignores ctx still cannot hold the caller past the timeout.
func boundedSend(ctx context.Context, gw Gateway, ch Channel, text string, timeout time.Duration) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("gateway panic: %v", r)
			}
		}()
		done <- gw.Send(sctx, ch, text)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrSendTimeout
		}
		return err
	case <-sctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrSendTimeout
	}
}
