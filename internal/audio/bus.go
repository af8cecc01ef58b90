package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

const busBacklog = 256

// BusSource consumes protocol.AudioFrame messages from NATS. A frame marked
// Final ends the stream.
type BusSource struct {
	sub  *nats.Subscription
	msgs chan *nats.Msg
	log  *slog.Logger
	done bool
}

func SubscribeBus(conn *nats.Conn, subject string, log *slog.Logger) (*BusSource, error) {
	msgs := make(chan *nats.Msg, busBacklog)
	sub, err := conn.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &BusSource{sub: sub, msgs: msgs, log: log}, nil
}

// BusOpener subscribes afresh for every capture.
func BusOpener(conn *nats.Conn, subject string, log *slog.Logger) Opener {
	return func() (Source, error) {
		return SubscribeBus(conn, subject, log)
	}
}

func (b *BusSource) Read(ctx context.Context) ([]byte, error) {
	for {
		if b.done {
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-b.msgs:
			var frame protocol.AudioFrame
			if err := json.Unmarshal(msg.Data, &frame); err != nil {
				b.log.Warn("failed to decode audio frame", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
				continue
			}
			if frame.Final {
				b.done = true
			}
			if len(frame.PCM) == 0 {
				continue
			}
			if frame.Channels > 1 {
				return downmixPCM16(frame.PCM, frame.Channels), nil
			}
			return frame.PCM, nil
		}
	}
}

func (b *BusSource) Close() error {
	return b.sub.Unsubscribe()
}

func downmixPCM16(pcm []byte, channels int) []byte {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	return encodePCM16(samples, channels, 16)
}
