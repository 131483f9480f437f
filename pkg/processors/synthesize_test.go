package processors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/traduki/pkg/adapters/tts"
	"github.com/harunnryd/traduki/pkg/frames"
)

type mockSynth struct {
	voice      string
	startErr   error
	sendErr    error
	startCount int
	closeCount int
	flushCount int
	texts      []string
	out        chan frames.Frame
}

func newMockSynth(voice string) *mockSynth {
	return &mockSynth{voice: voice, out: make(chan frames.Frame, 16)}
}

func (m *mockSynth) Name() string { return "mock_tts" }

func (m *mockSynth) Start(ctx context.Context) error {
	m.startCount++
	return m.startErr
}

func (m *mockSynth) Close() error {
	m.closeCount++
	return nil
}

func (m *mockSynth) SendText(text string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.texts = append(m.texts, text)
	m.out <- frames.NewAudioFrame("stream-1", time.Now().UnixNano(), make([]byte, 320), 16000, 1, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   frames.SourceTranslation,
	})
	m.out <- frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlAudioReady, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaReason:   "synthesis_complete",
	})
	return nil
}

func (m *mockSynth) Flush() { m.flushCount++ }

func (m *mockSynth) Results() <-chan frames.Frame { return m.out }

func TestSynthesizeProcessorSpeaksTranslationFinals(t *testing.T) {
	mock := newMockSynth("alloy")
	proc := NewSynthesizeProcessor(func(streamID, voice string) tts.StreamingTTS { return mock }, "alloy")

	out, err := proc.Process(translationFinal("stream-1", "hello everyone"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(mock.texts) != 1 || mock.texts[0] != "hello everyone" {
		t.Fatalf("expected synthesis of translation, got %v", mock.texts)
	}

	var sawText, sawAudio, sawTurn bool
	for _, f := range out {
		switch f.Kind() {
		case frames.KindText:
			sawText = true
		case frames.KindAudio:
			sawAudio = true
		case frames.KindControl:
			cf := f.(frames.ControlFrame)
			if cf.Code() == frames.ControlTurnComplete && cf.Meta()[frames.MetaReason] == "synthesis_complete" {
				sawTurn = true
			}
		}
	}
	if !sawText {
		t.Fatalf("text frame must pass through for the transcript feed")
	}
	if !sawAudio {
		t.Fatalf("expected synthesized audio")
	}
	if !sawTurn {
		t.Fatalf("expected audio_ready converted to turn_complete")
	}
}

func TestSynthesizeProcessorIgnoresRecognitionText(t *testing.T) {
	mock := newMockSynth("alloy")
	proc := NewSynthesizeProcessor(func(streamID, voice string) tts.StreamingTTS { return mock }, "alloy")

	out, err := proc.Process(recognizerText("stream-1", "hola a todos", "true"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(mock.texts) != 0 {
		t.Fatalf("recognition text must not be synthesized")
	}
	if len(out) != 1 || out[0].Kind() != frames.KindText {
		t.Fatalf("expected passthrough")
	}
}

func TestSynthesizeProcessorVoiceChangeRetiresSessions(t *testing.T) {
	var made []*mockSynth
	var voices []string
	proc := NewSynthesizeProcessor(func(streamID, voice string) tts.StreamingTTS {
		m := newMockSynth(voice)
		made = append(made, m)
		voices = append(voices, voice)
		return m
	}, "alloy")

	if _, err := proc.Process(translationFinal("stream-1", "first turn")); err != nil {
		t.Fatalf("process first: %v", err)
	}

	update := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlTuningUpdate, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaVoice:    "verse",
	})
	if _, err := proc.Process(update); err != nil {
		t.Fatalf("process tuning: %v", err)
	}
	if made[0].closeCount == 0 {
		t.Fatalf("expected old voice session retired")
	}

	if _, err := proc.Process(translationFinal("stream-1", "second turn")); err != nil {
		t.Fatalf("process second: %v", err)
	}
	if len(voices) != 2 || voices[0] != "alloy" || voices[1] != "verse" {
		t.Fatalf("expected next turn on new voice, got %v", voices)
	}
}

func TestSynthesizeProcessorInterruptRespectsPolicy(t *testing.T) {
	mock := newMockSynth("alloy")
	proc := NewSynthesizeProcessor(func(streamID, voice string) tts.StreamingTTS { return mock }, "alloy")

	if _, err := proc.Process(translationFinal("stream-1", "long sentence")); err != nil {
		t.Fatalf("process text: %v", err)
	}

	interrupt := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlInterrupt, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaReason:   "speech_started",
	})
	if _, err := proc.Process(interrupt); err != nil {
		t.Fatalf("process interrupt: %v", err)
	}
	if mock.flushCount != 1 {
		t.Fatalf("expected flush on interruption, got %d", mock.flushCount)
	}

	proc.SetAllowInterruptions(false)
	if _, err := proc.Process(interrupt); err != nil {
		t.Fatalf("process interrupt: %v", err)
	}
	if mock.flushCount != 1 {
		t.Fatalf("interruptions disabled, flush count should stay at 1, got %d", mock.flushCount)
	}
}

func TestSynthesizeProcessorDrainFlushClosesTurn(t *testing.T) {
	mock := newMockSynth("alloy")
	proc := NewSynthesizeProcessor(func(streamID, voice string) tts.StreamingTTS { return mock }, "alloy")

	drain := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlFlush, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaReason:   "drain",
	})
	out, err := proc.Process(drain)
	if err != nil {
		t.Fatalf("process drain: %v", err)
	}
	var closed bool
	for _, f := range out {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlTurnComplete {
			closed = true
		}
	}
	if !closed {
		t.Fatalf("expected drain flush to close the turn")
	}

	speechFinal := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlFlush, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaReason:   "speech_final",
	})
	out, err = proc.Process(speechFinal)
	if err != nil {
		t.Fatalf("process speech final: %v", err)
	}
	for _, f := range out {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlTurnComplete {
			t.Fatalf("recognition flush must not close the turn")
		}
	}
}

func TestSynthesizeProcessorUnavailableStillClosesTurn(t *testing.T) {
	mock := newMockSynth("alloy")
	mock.startErr = errors.New("dial refused")
	proc := NewSynthesizeProcessor(func(streamID, voice string) tts.StreamingTTS { return mock }, "alloy")

	out, err := proc.Process(translationFinal("stream-1", "hello"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	var sawText, sawTurn bool
	for _, f := range out {
		if f.Kind() == frames.KindText {
			sawText = true
		}
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlTurnComplete {
			if cf.Meta()[frames.MetaReason] == "synthesize_unavailable" {
				sawTurn = true
			}
		}
	}
	if !sawText {
		t.Fatalf("text must still pass for the transcript feed")
	}
	if !sawTurn {
		t.Fatalf("expected turn closed with synthesize_unavailable")
	}
}

func TestSynthesizeProcessorRecreatesOnSendFailure(t *testing.T) {
	bad := newMockSynth("alloy")
	bad.sendErr = errors.New("socket closed")
	good := newMockSynth("alloy")
	var calls int
	proc := NewSynthesizeProcessor(func(streamID, voice string) tts.StreamingTTS {
		calls++
		if calls == 1 {
			return bad
		}
		return good
	}, "alloy")
	proc.retry = newFastRetry()

	if _, err := proc.Process(translationFinal("stream-1", "hello")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected session recreation, factory called %d times", calls)
	}
	if bad.closeCount == 0 {
		t.Fatalf("expected failed session closed")
	}
	if len(good.texts) != 1 || good.texts[0] != "hello" {
		t.Fatalf("expected resend on fresh session, got %v", good.texts)
	}
}
