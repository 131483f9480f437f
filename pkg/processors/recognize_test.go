package processors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/traduki/pkg/adapters/stt"
	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/metrics"
)

type mockRecognizer struct {
	startErr   error
	sendErr    error
	startCount int
	closeCount int
	sends      int
	out        chan frames.Frame
}

func newMockRecognizer() *mockRecognizer {
	return &mockRecognizer{out: make(chan frames.Frame, 16)}
}

func (m *mockRecognizer) Name() string { return "mock_stt" }

func (m *mockRecognizer) Start(ctx context.Context) error {
	m.startCount++
	return m.startErr
}

func (m *mockRecognizer) Close() error {
	m.closeCount++
	return nil
}

func (m *mockRecognizer) SendAudio(frame frames.AudioFrame) error {
	m.sends++
	return m.sendErr
}

func (m *mockRecognizer) Results() <-chan frames.Frame { return m.out }

func speakerAudio(streamID string) frames.AudioFrame {
	meta := map[string]string{frames.MetaStreamID: streamID}
	return frames.NewAudioFrame(streamID, time.Now().UnixNano(), make([]byte, 320), 16000, 1, meta)
}

func recognizerText(streamID, text, isFinal string) frames.TextFrame {
	return frames.NewTextFrame(streamID, time.Now().UnixNano(), text, map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   frames.SourceRecognition,
		frames.MetaIsFinal:  isFinal,
	})
}

func TestRecognizeProcessorForwardsFinal(t *testing.T) {
	mock := newMockRecognizer()
	proc := NewRecognizeProcessor(func(string) stt.StreamingSTT { return mock })
	obs := metrics.NewMemoryObserver()
	proc.SetObserver(obs)

	mock.out <- recognizerText("stream-1", "hola a todos", "true")

	out, err := proc.Process(speakerAudio("stream-1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected heartbeat plus final, got %d frames", len(out))
	}
	if out[0].Kind() != frames.KindSystem {
		t.Fatalf("expected heartbeat first, got %v", out[0].Kind())
	}
	tf, ok := out[1].(frames.TextFrame)
	if !ok || tf.Text() != "hola a todos" {
		t.Fatalf("expected final transcript, got %#v", out[1])
	}
	var found bool
	for _, ev := range obs.Events {
		if ev.Name == "recognize_final" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected recognize_final event")
	}
}

func TestRecognizeProcessorInterimSuppression(t *testing.T) {
	mock := newMockRecognizer()
	proc := NewRecognizeProcessor(func(string) stt.StreamingSTT { return mock })
	proc.SetForwardInterim(false)

	mock.out <- recognizerText("stream-1", "hola", "false")
	mock.out <- recognizerText("stream-1", "hola a todos", "true")

	out, err := proc.Process(speakerAudio("stream-1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	var finals, interims int
	for _, f := range out {
		tf, ok := f.(frames.TextFrame)
		if !ok {
			continue
		}
		if tf.Meta()[frames.MetaIsFinal] == "true" {
			finals++
		} else {
			interims++
		}
	}
	if interims != 0 {
		t.Fatalf("expected interims suppressed, got %d", interims)
	}
	if finals != 1 {
		t.Fatalf("expected one final, got %d", finals)
	}
}

func TestRecognizeProcessorRecreatesAndReplays(t *testing.T) {
	bad := newMockRecognizer()
	bad.sendErr = errors.New("socket closed")
	good := newMockRecognizer()
	var calls int
	proc := NewRecognizeProcessor(func(string) stt.StreamingSTT {
		calls++
		if calls == 1 {
			return bad
		}
		return good
	})

	if _, err := proc.Process(speakerAudio("stream-1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected session recreation, factory called %d times", calls)
	}
	if bad.closeCount == 0 {
		t.Fatalf("expected failed session to be closed")
	}
	// One replayed chunk plus the retried frame itself.
	if good.sends != 2 {
		t.Fatalf("expected replay plus resend, got %d sends", good.sends)
	}
}

func TestRecognizeProcessorHeartbeatWhenUnavailable(t *testing.T) {
	mock := newMockRecognizer()
	mock.startErr = errors.New("dial refused")
	proc := NewRecognizeProcessor(func(string) stt.StreamingSTT { return mock })

	out, err := proc.Process(speakerAudio("stream-1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 || out[0].Kind() != frames.KindSystem {
		t.Fatalf("expected lone heartbeat, got %d frames", len(out))
	}
}

func TestRecognizeProcessorSessionEndClosesStream(t *testing.T) {
	mock := newMockRecognizer()
	proc := NewRecognizeProcessor(func(string) stt.StreamingSTT { return mock })

	if _, err := proc.Process(speakerAudio("stream-1")); err != nil {
		t.Fatalf("process audio: %v", err)
	}
	end := frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "session_end", map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	if _, err := proc.Process(end); err != nil {
		t.Fatalf("process session end: %v", err)
	}
	if mock.closeCount != 1 {
		t.Fatalf("expected session closed once, got %d", mock.closeCount)
	}
}
