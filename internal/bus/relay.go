package bus

import (
	"github.com/loqalabs/loqa-speech/internal/dispatch"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

// Publisher is satisfied by *Client.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Relay forwards dispatcher events onto the bus subjects other processes
// subscribe to.
type Relay struct {
	pub Publisher
}

func NewRelay(pub Publisher) *Relay {
	return &Relay{pub: pub}
}

func (r *Relay) HandleEvent(ev dispatch.Event) error {
	switch ev.Kind {
	case dispatch.KindPartial, dispatch.KindFinal:
		subject := protocol.SubjectTranscriptFinal
		if ev.Kind == dispatch.KindPartial {
			subject = protocol.SubjectTranscriptPartial
		}
		return r.pub.PublishJSON(subject, protocol.Transcript{
			SessionID:  ev.SessionID,
			Sequence:   ev.Seq,
			Text:       ev.Text,
			Partial:    ev.Kind == dispatch.KindPartial,
			Timestamp:  ev.Time,
			Confidence: ev.Confidence,
		})
	case dispatch.KindError:
		return r.pub.PublishJSON(protocol.SubjectRecognitionError, protocol.RecognitionError{
			SessionID: ev.SessionID,
			Sequence:  ev.Seq,
			Message:   ev.Message,
			Timestamp: ev.Time,
		})
	case dispatch.KindState:
		return r.pub.PublishJSON(protocol.SubjectSessionState, protocol.SessionState{
			SessionID: ev.SessionID,
			Sequence:  ev.Seq,
			State:     ev.State,
			Timestamp: ev.Time,
		})
	}
	return nil
}
