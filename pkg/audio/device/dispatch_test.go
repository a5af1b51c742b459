package device_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/device"
)

func TestFramer_Push(t *testing.T) {
	t.Parallel()
	fr := device.NewFramer(audio.Format{SampleRate: 16000, Channels: 1}, 4)

	if got := fr.Push([]float32{1, 2, 3}); len(got) != 0 {
		t.Fatalf("got %d frames from a partial push", len(got))
	}
	got := fr.Push([]float32{4, 5, 6, 7, 8, 9})
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
	want := [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}}
	for i, f := range got {
		if f.SampleRate != 16000 || f.Channels != 1 {
			t.Errorf("frame %d format = %v", i, f.Format())
		}
		for j := range want[i] {
			if f.Samples[j] != want[i][j] {
				t.Errorf("frame %d = %v, want %v", i, f.Samples, want[i])
				break
			}
		}
	}
	if got := fr.Push([]float32{10, 11, 12}); len(got) != 1 || got[0].Samples[0] != 9 {
		t.Errorf("leftover not carried over: %v", got)
	}
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	t.Parallel()
	d := device.NewDispatcher(8)
	defer d.Close()

	got := make(chan float32, 8)
	d.Subscribe(func(f audio.NativeFrame) { got <- f.Samples[0] })
	for i := range 3 {
		if !d.Offer(audio.NativeFrame{Samples: []float32{float32(i)}, SampleRate: 16000, Channels: 1}) {
			t.Fatalf("Offer %d dropped", i)
		}
	}
	for i := range 3 {
		select {
		case v := <-got:
			if v != float32(i) {
				t.Errorf("frame %d = %v", i, v)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	t.Parallel()
	d := device.NewDispatcher(1)
	defer d.Close()

	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	d.Subscribe(func(audio.NativeFrame) {
		entered <- struct{}{}
		<-block
	})
	frame := audio.NativeFrame{Samples: []float32{0}, SampleRate: 16000, Channels: 1}
	d.Offer(frame)
	<-entered // callback now busy, buffer empty
	d.Offer(frame)
	if d.Offer(frame) {
		t.Error("Offer succeeded with a full buffer")
	}
	if d.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", d.Dropped())
	}
	close(block)
}

func TestDispatcher_CloseStopsDelivery(t *testing.T) {
	t.Parallel()
	d := device.NewDispatcher(4)
	d.Subscribe(func(audio.NativeFrame) { t.Error("frame delivered after Close") })
	d.Close()
	d.Close()
	if d.Offer(audio.NativeFrame{Samples: []float32{0}, SampleRate: 16000, Channels: 1}) {
		t.Error("Offer accepted after Close")
	}
}
