package publish

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pxlab/pxlab/pxcapi"
)

type token struct {
	err  error
	done chan struct{}
}

func (t *token) Wait() bool {
	<-t.done
	return true
}

func (t *token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *token) Done() <-chan struct{} {
	return t.done
}

func (t *token) Error() error {
	return t.err
}

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type broker struct {
	sent  []message
	err   error
	stall bool
}

func (b *broker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.sent = append(b.sent, message{topic, qos, payload.([]byte)})
	t := &token{err: b.err, done: make(chan struct{})}
	if !b.stall {
		close(t.done)
	}
	return t
}

func TestFrame(t *testing.T) {
	b := &broker{}
	m := New(b, "lab/minipix", 1, time.Second)
	f := &pxcapi.Frame{Index: 4, Mode: pxcapi.ModeToa, AcqTime: 250 * time.Millisecond}
	f.Counts[10], f.Counts[11] = 3, 4
	if err := m.Frame("run-1", f); err != nil {
		t.Fatal(err)
	}
	if len(b.sent) != 1 || b.sent[0].topic != "lab/minipix/frames" || b.sent[0].qos != 1 {
		t.Fatalf("unexpected messages %+v", b.sent)
	}
	var s FrameSummary
	if err := json.Unmarshal(b.sent[0].payload, &s); err != nil {
		t.Fatal(err)
	}
	if s.Run != "run-1" || s.Index != 4 || s.Hits != 2 || s.Sum != 7 || s.Mode != "TOA" || s.AcqTime != 0.25 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestPixels(t *testing.T) {
	b := &broker{}
	m := New(b, "t", 0, 0)
	if err := m.Pixels("r", 2, []pxcapi.Pixel{{Index: 1, ToA: 1.5, ToT: 25}}); err != nil {
		t.Fatal(err)
	}
	var blk PixelBlock
	json.Unmarshal(b.sent[0].payload, &blk)
	if b.sent[0].topic != "t/pixels" || blk.Block != 2 || len(blk.Pixels) != 1 || blk.Pixels[0].ToT != 25 {
		t.Errorf("unexpected block %+v on %s", blk, b.sent[0].topic)
	}
}

func TestPublishErrors(t *testing.T) {
	b := &broker{err: errors.New("not connected")}
	if err := New(b, "t", 0, time.Second).Pixels("r", 0, nil); err == nil || err.Error() != "not connected" {
		t.Errorf("expected the token error, got %v", err)
	}
	b = &broker{stall: true}
	if err := New(b, "t", 0, time.Millisecond).Frame("r", &pxcapi.Frame{}); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}
}
