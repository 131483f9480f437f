package processors

import (
	"testing"
	"time"

	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/metrics"
)

func translationFinal(streamID, text string) frames.TextFrame {
	return frames.NewTextFrame(streamID, time.Now().UnixNano(), text, map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   frames.SourceTranslation,
		frames.MetaIsFinal:  "true",
	})
}

func TestMetaFilterDropsCommentary(t *testing.T) {
	proc := NewMetaFilterProcessor()
	obs := metrics.NewMemoryObserver()
	proc.SetObserver(obs)

	out, err := proc.Process(translationFinal("stream-1", "Thank you."))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one frame, got %d", len(out))
	}
	cf, ok := out[0].(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlTurnComplete {
		t.Fatalf("expected turn_complete in place of commentary, got %#v", out[0])
	}
	if cf.Meta()[frames.MetaReason] != "meta_commentary" {
		t.Fatalf("unexpected reason %q", cf.Meta()[frames.MetaReason])
	}
	var recorded bool
	for _, ev := range obs.Events {
		if ev.Name == "meta_commentary_filtered" {
			recorded = true
		}
	}
	if !recorded {
		t.Fatalf("expected meta_commentary_filtered event")
	}
}

func TestMetaFilterPassesRealTranslations(t *testing.T) {
	proc := NewMetaFilterProcessor()

	in := translationFinal("stream-1", "El gato duerme encima del tejado rojo.")
	out, err := proc.Process(in)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected passthrough, got %d frames", len(out))
	}
	tf, ok := out[0].(frames.TextFrame)
	if !ok || tf.Text() != "El gato duerme encima del tejado rojo." {
		t.Fatalf("translation should pass untouched, got %#v", out[0])
	}
}

func TestMetaFilterIgnoresRecognitionText(t *testing.T) {
	proc := NewMetaFilterProcessor()

	// Recognition output is never filtered, even when it looks like an
	// acknowledgment: the speaker may genuinely have said it.
	in := recognizerText("stream-1", "okay", "true")
	out, err := proc.Process(in)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 || out[0].Kind() != frames.KindText {
		t.Fatalf("expected recognition passthrough")
	}
}
