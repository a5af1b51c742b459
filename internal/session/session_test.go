package session_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/session"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/codec"
	"github.com/MrWong99/voxlink/pkg/audio/device"
	devmock "github.com/MrWong99/voxlink/pkg/audio/device/mock"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
	s2smock "github.com/MrWong99/voxlink/pkg/provider/s2s/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type harness struct {
	captures *devmock.CaptureProvider
	capture  *devmock.Capture
	players  *devmock.PlaybackProvider
	player   *devmock.Player
	remote   *s2smock.Provider
	handle   *s2smock.Session
	reader   *sdkmetric.ManualReader
	sess     *session.Session
}

func newHarness(t *testing.T, opts ...session.Option) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		capture: &devmock.Capture{},
		player:  &devmock.Player{},
		handle:  s2smock.NewSession(),
		reader:  reader,
	}
	h.captures = &devmock.CaptureProvider{Result: h.capture}
	h.players = &devmock.PlaybackProvider{Result: h.player}
	h.remote = &s2smock.Provider{Session: h.handle}
	h.sess = session.New(h.captures, h.players, h.remote,
		append([]session.Option{session.WithMetrics(m), session.WithID("test-session")}, opts...)...)
	t.Cleanup(func() { _ = h.sess.Stop() })
	return h
}

// open starts the session and waits until it is Open.
func (h *harness) open(t *testing.T) {
	t.Helper()
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.handle.MarkReady()
	select {
	case <-h.sess.Opened():
	case <-h.sess.Done():
		t.Fatalf("session ended before open: %v", h.sess.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for Open")
	}
}

func waitDone(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for terminal state, state = %v", s.State())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func captureFrame(n int, v float32) audio.NativeFrame {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return audio.NativeFrame{Samples: samples, SampleRate: 16000, Channels: 1}
}

func wireFrame(t *testing.T, n, rate int) audio.WireFrame {
	t.Helper()
	w, err := codec.Encode(audio.NativeFrame{Samples: make([]float32, n), SampleRate: rate, Channels: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return w
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// ── Capture path ──────────────────────────────────────────────────────────────

func TestCapture_ThreeFramesThreeSends(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	for range 3 {
		if !h.capture.Emit(captureFrame(4096, 0.1)) {
			t.Fatal("capture not subscribed while open")
		}
	}

	sent := h.handle.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(sent))
	}
	for i, w := range sent {
		if w.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("frame %d mime = %q", i, w.MIMEType)
		}
		got, err := codec.Decode(w, 16000, 1)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got.Len() != 4096 {
			t.Errorf("frame %d has %d samples, want 4096", i, got.Len())
		}
	}
	if got := h.sess.Snapshot().FramesSent; got != 3 {
		t.Errorf("snapshot frames sent = %d, want 3", got)
	}
	if got := counterValue(t, h.reader, "voxlink.frames.sent"); got != 3 {
		t.Errorf("frames.sent metric = %d, want 3", got)
	}
}

func TestCapture_DefaultConstraints(t *testing.T) {
	t.Parallel()
	h := newHarness(t, session.WithInstructions("be brief"), session.WithVoice("Puck"))
	h.open(t)

	calls := h.captures.Calls()
	if len(calls) != 1 {
		t.Fatalf("capture acquired %d times, want 1", len(calls))
	}
	want := device.Constraints{SampleRate: 16000, Channels: 1, FrameSize: 4096}
	if calls[0] != want {
		t.Errorf("constraints = %+v, want %+v", calls[0], want)
	}

	cc := h.remote.Calls()
	if len(cc) != 1 {
		t.Fatalf("connect called %d times, want 1", len(cc))
	}
	cfg := cc[0].Cfg
	if cfg.InputFormat != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("input format = %v", cfg.InputFormat)
	}
	if cfg.OutputFormat != (audio.Format{SampleRate: 24000, Channels: 1}) {
		t.Errorf("output format = %v", cfg.OutputFormat)
	}
	if cfg.Instructions != "be brief" || cfg.Voice != "Puck" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestCapture_VolumeCallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var mu sync.Mutex
	var vols []codec.VolumeSample
	h.sess.OnVolume(func(v codec.VolumeSample) {
		mu.Lock()
		defer mu.Unlock()
		vols = append(vols, v)
	})
	h.open(t)

	h.capture.Emit(captureFrame(100, 0.5))
	h.capture.Emit(captureFrame(100, 0))

	mu.Lock()
	defer mu.Unlock()
	if len(vols) != 2 {
		t.Fatalf("got %d volume samples, want 2", len(vols))
	}
	if vols[0] < 0.499 || vols[0] > 0.501 {
		t.Errorf("volume of constant 0.5 = %v", vols[0])
	}
	if vols[1] != 0 {
		t.Errorf("volume of silence = %v, want 0", vols[1])
	}
}

func TestCapture_EncodeErrorDropsFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	h.capture.Emit(audio.NativeFrame{SampleRate: 16000, Channels: 1})
	h.capture.Emit(captureFrame(10, 0.1))

	if got := len(h.handle.Sent()); got != 1 {
		t.Errorf("sent %d frames, want 1", got)
	}
	if got := h.sess.Snapshot().FramesDropped; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if h.sess.State() != session.Open {
		t.Errorf("state = %v, want open", h.sess.State())
	}
}

func TestCapture_SendFailureEndsInError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sendErr := errors.New("socket gone")
	h.handle.SendErr = sendErr
	h.open(t)

	h.capture.Emit(captureFrame(10, 0.1))
	h.capture.Emit(captureFrame(10, 0.1))
	waitDone(t, h.sess)

	if h.sess.State() != session.Error {
		t.Fatalf("state = %v, want error", h.sess.State())
	}
	var te *session.TransportError
	if !errors.As(h.sess.Err(), &te) || te.Stage != session.StageSend {
		t.Fatalf("Err = %v, want send TransportError", h.sess.Err())
	}
	if !errors.Is(h.sess.Err(), sendErr) {
		t.Errorf("Err does not wrap the send failure")
	}
}

func TestCapture_NoSendAfterStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	h.capture.Emit(captureFrame(10, 0.1))
	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.capture.Emit(captureFrame(10, 0.1)) {
		t.Error("capture still subscribed after Stop")
	}
	if got := len(h.handle.Sent()); got != 1 {
		t.Errorf("sent %d frames, want 1", got)
	}
}

// ── Playback path ─────────────────────────────────────────────────────────────

func TestPlayback_TwoFramesBackToBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	h.handle.PushAudio(wireFrame(t, 1000, 24000))
	h.handle.PushAudio(wireFrame(t, 1000, 24000))
	waitFor(t, "two frames scheduled", func() bool { return h.sess.Snapshot().FramesReceived == 2 })

	calls := h.player.ScheduleCalls()
	if len(calls) != 2 {
		t.Fatalf("got %d schedule calls, want 2", len(calls))
	}
	if calls[0].Start != 0 {
		t.Errorf("first start = %v, want 0", calls[0].Start)
	}
	if want := audio.SamplesDuration(1000, 24000); calls[1].Start != want {
		t.Errorf("second start = %v, want %v", calls[1].Start, want)
	}
	snap := h.sess.Snapshot()
	if want := audio.SamplesDuration(2000, 24000); snap.Cursor != want {
		t.Errorf("cursor = %v, want %v", snap.Cursor, want)
	}
	if snap.Pending != 2 {
		t.Errorf("pending = %d, want 2", snap.Pending)
	}
}

func TestPlayback_Gapless(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	sizes := []int{480, 960, 7, 2400}
	for _, n := range sizes {
		h.handle.PushAudio(wireFrame(t, n, 24000))
	}
	waitFor(t, "frames scheduled", func() bool { return h.sess.Snapshot().FramesReceived == int64(len(sizes)) })

	calls := h.player.ScheduleCalls()
	for i := 1; i < len(calls); i++ {
		prevEnd := calls[i-1].Start + calls[i-1].Frame.Duration()
		// Durations are truncated to the nanosecond; the scheduler itself
		// never drifts, so allow only that truncation.
		if d := calls[i].Start - prevEnd; d < 0 || d > time.Duration(i) {
			t.Errorf("gap before frame %d: start %v, previous end %v", i, calls[i].Start, prevEnd)
		}
	}
}

func TestPlayback_CompletionShrinksPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	h.handle.PushAudio(wireFrame(t, 240, 24000))
	waitFor(t, "frame scheduled", func() bool { return h.sess.Snapshot().Pending == 1 })

	h.player.ScheduleCalls()[0].Token.Finish()
	waitFor(t, "pending drained", func() bool { return h.sess.Snapshot().Pending == 0 })
}

func TestPlayback_ResamplesForeignRate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	h.handle.PushAudio(wireFrame(t, 160, 16000))
	waitFor(t, "frame scheduled", func() bool { return h.sess.Snapshot().FramesReceived == 1 })

	f := h.player.ScheduleCalls()[0].Frame
	if f.SampleRate != 24000 || f.Len() != 240 {
		t.Errorf("scheduled %d samples at %d Hz, want 240 at 24000", f.Len(), f.SampleRate)
	}
}

func TestPlayback_DecodeErrorDropsFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	h.handle.PushAudio(audio.WireFrame{Data: "not base64!", MIMEType: "audio/pcm;rate=24000"})
	h.handle.PushAudio(wireFrame(t, 100, 24000))
	waitFor(t, "good frame scheduled", func() bool { return h.sess.Snapshot().FramesReceived == 1 })

	snap := h.sess.Snapshot()
	if snap.FramesDropped != 1 {
		t.Errorf("dropped = %d, want 1", snap.FramesDropped)
	}
	if len(h.player.ScheduleCalls()) != 1 {
		t.Errorf("schedule calls = %d, want 1", len(h.player.ScheduleCalls()))
	}
	if snap.State != session.Open {
		t.Errorf("state = %v, want open", snap.State)
	}
}

func TestPlayback_InterruptThenFrameAtFiveSeconds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	for range 3 {
		h.handle.PushAudio(wireFrame(t, 1000, 24000))
	}
	waitFor(t, "frames scheduled", func() bool { return h.sess.Snapshot().Pending == 3 })

	h.handle.RaiseInterruption()
	waitFor(t, "interrupt applied", func() bool { return h.sess.Snapshot().Pending == 0 })

	for i, c := range h.player.ScheduleCalls() {
		if !c.Token.Stopped() {
			t.Errorf("token %d not stopped by interruption", i)
		}
	}
	if c := h.sess.Snapshot().Cursor; c != 0 {
		t.Errorf("cursor after interrupt = %v, want 0", c)
	}

	h.player.SetNow(5 * time.Second)
	h.handle.PushAudio(wireFrame(t, 1000, 24000))
	waitFor(t, "frame after interrupt", func() bool { return len(h.player.ScheduleCalls()) == 4 })

	if got := h.player.ScheduleCalls()[3].Start; got != 5*time.Second {
		t.Errorf("start after interrupt = %v, want 5s", got)
	}
	if got := counterValue(t, h.reader, "voxlink.interruptions"); got != 1 {
		t.Errorf("interruptions metric = %d, want 1", got)
	}
}

func TestPlayback_InterruptDiscardsFramesQueuedBeforeIt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	gate := make(chan struct{})
	h.player.ScheduleGate = gate
	h.open(t)

	// The loop blocks scheduling the first frame while the remote keeps
	// talking and then barges in.
	h.handle.PushAudio(wireFrame(t, 1000, 24000))
	waitFor(t, "loop blocked in Schedule", func() bool { return h.player.Waiting() == 1 })
	h.handle.PushAudio(wireFrame(t, 1000, 24000))
	h.handle.PushAudio(wireFrame(t, 1000, 24000))
	h.handle.RaiseInterruption()
	close(gate)

	waitFor(t, "interrupt applied", func() bool {
		return counterValue(t, h.reader, "voxlink.interruptions") == 1 && h.sess.Snapshot().Pending == 0
	})
	calls := h.player.ScheduleCalls()
	if len(calls) != 3 {
		t.Fatalf("schedule calls = %d, want 3", len(calls))
	}
	for i, c := range calls {
		if !c.Token.Stopped() {
			t.Errorf("frame %d queued before the interruption is still playing", i)
		}
	}

	h.handle.PushAudio(wireFrame(t, 1000, 24000))
	waitFor(t, "frame after interrupt", func() bool { return h.sess.Snapshot().Pending == 1 })
	if got := h.player.ScheduleCalls()[3].Start; got != 0 {
		t.Errorf("start after interrupt = %v, want 0", got)
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestLifecycle_StateSequence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var mu sync.Mutex
	var seen []session.State
	h.sess.OnStateChange(func(s session.State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	h.open(t)
	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []session.State{session.Connecting, session.Open, session.Closing, session.Closed}
	if !slices.Equal(seen, want) {
		t.Errorf("states = %v, want %v", seen, want)
	}
}

func TestLifecycle_StopIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	for i := range 3 {
		if err := h.sess.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
	if h.sess.State() != session.Closed {
		t.Errorf("state = %v, want closed", h.sess.State())
	}
	if got := h.capture.ReleaseCount(); got != 1 {
		t.Errorf("capture released %d times, want 1", got)
	}
	if got := h.player.ReleaseCount(); got != 1 {
		t.Errorf("playback released %d times, want 1", got)
	}
	if got := h.handle.CloseCount(); got != 1 {
		t.Errorf("remote closed %d times, want 1", got)
	}
}

func TestLifecycle_ConcurrentStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			if err := h.sess.Stop(); err != nil {
				t.Errorf("Stop: %v", err)
			}
		})
	}
	wg.Wait()
	if h.handle.CloseCount() != 1 {
		t.Errorf("remote closed %d times, want 1", h.handle.CloseCount())
	}
}

func TestLifecycle_StopIdleThenStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.sess.State() != session.Closed {
		t.Fatalf("state = %v, want closed", h.sess.State())
	}
	if err := h.sess.Start(context.Background()); !errors.Is(err, session.ErrSessionTerminal) {
		t.Errorf("Start after Stop = %v, want ErrSessionTerminal", err)
	}
	if len(h.captures.Calls()) != 0 {
		t.Error("devices acquired by a terminal session")
	}
}

func TestLifecycle_StartTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.open(t)
	if err := h.sess.Start(context.Background()); !errors.Is(err, session.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestLifecycle_StopWhileConnecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.sess.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.sess.State() != session.Closed {
		t.Errorf("state = %v, want closed", h.sess.State())
	}
	select {
	case <-h.sess.Opened():
		t.Error("Opened closed for a session that never opened")
	default:
	}
	if h.capture.ReleaseCount() != 1 || h.player.ReleaseCount() != 1 || h.handle.CloseCount() != 1 {
		t.Error("resources not released")
	}
}

func TestLifecycle_StopCancelsHangingConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.remote.Hang = true

	var mu sync.Mutex
	var seen []session.State
	h.sess.OnStateChange(func(s session.State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	startErr := make(chan error, 1)
	go func() { startErr <- h.sess.Start(context.Background()) }()
	waitFor(t, "connect in flight", func() bool { return len(h.remote.Calls()) == 1 })

	stopped := make(chan error, 1)
	go func() { stopped <- h.sess.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop blocked while connecting, state = %v", h.sess.State())
	}

	select {
	case err := <-startErr:
		if !errors.Is(err, session.ErrStoppedWhileConnecting) {
			t.Errorf("Start = %v, want ErrStoppedWhileConnecting", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	if h.sess.State() != session.Closed || h.sess.Err() != nil {
		t.Errorf("state = %v, err = %v, want closed without error", h.sess.State(), h.sess.Err())
	}
	if h.capture.ReleaseCount() != 1 || h.player.ReleaseCount() != 1 {
		t.Error("devices not released")
	}
	if got := counterValue(t, h.reader, "voxlink.transport.errors"); got != 0 {
		t.Errorf("transport errors = %d, want 0", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []session.State{session.Connecting, session.Closing, session.Closed}
	if !slices.Equal(seen, want) {
		t.Errorf("states = %v, want %v", seen, want)
	}
}

func TestLifecycle_ReadyTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, session.WithReadyTimeout(20*time.Millisecond))
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, h.sess)

	if !errors.Is(h.sess.Err(), session.ErrReadyTimeout) {
		t.Errorf("Err = %v, want ErrReadyTimeout", h.sess.Err())
	}
	if h.sess.State() != session.Error {
		t.Errorf("state = %v, want error", h.sess.State())
	}
}

func TestLifecycle_RemoteCloses(t *testing.T) {
	t.Parallel()
	remoteErr := errors.New("upstream reset")

	tests := []struct {
		name      string
		err       error
		wantState session.State
	}{
		{name: "clean close", err: nil, wantState: session.Closed},
		{name: "transport error", err: remoteErr, wantState: session.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.open(t)

			h.handle.End(tt.err)
			waitDone(t, h.sess)

			if h.sess.State() != tt.wantState {
				t.Errorf("state = %v, want %v", h.sess.State(), tt.wantState)
			}
			if tt.err == nil {
				if h.sess.Err() != nil {
					t.Errorf("Err = %v, want nil", h.sess.Err())
				}
			} else {
				var te *session.TransportError
				if !errors.As(h.sess.Err(), &te) || te.Stage != session.StageRemote {
					t.Errorf("Err = %v, want remote TransportError", h.sess.Err())
				}
				if !errors.Is(h.sess.Err(), tt.err) {
					t.Error("Err does not wrap the remote error")
				}
			}
			if h.capture.ReleaseCount() != 1 || h.player.ReleaseCount() != 1 {
				t.Error("devices not released")
			}
		})
	}
}

// ── Start failures ────────────────────────────────────────────────────────────

func TestStart_CaptureUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.captures.Err = errors.New("no microphone")

	err := h.sess.Start(context.Background())
	if !errors.Is(err, device.ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}
	var de *session.DeviceUnavailableError
	if !errors.As(err, &de) || de.Device != "capture" {
		t.Errorf("err = %v, want capture DeviceUnavailableError", err)
	}
	if h.sess.State() != session.Error {
		t.Errorf("state = %v, want error", h.sess.State())
	}
	if len(h.players.AcquireCalls) != 0 || len(h.remote.Calls()) != 0 {
		t.Error("work done after capture failure")
	}
	waitDone(t, h.sess)
}

func TestStart_PlaybackUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.players.Err = device.ErrDeviceUnavailable

	err := h.sess.Start(context.Background())
	var de *session.DeviceUnavailableError
	if !errors.As(err, &de) || de.Device != "playback" {
		t.Fatalf("err = %v, want playback DeviceUnavailableError", err)
	}
	if h.capture.ReleaseCount() != 1 {
		t.Errorf("capture released %d times, want 1", h.capture.ReleaseCount())
	}
	if len(h.remote.Calls()) != 0 {
		t.Error("connect attempted after playback failure")
	}
}

func TestStart_ConnectFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	dialErr := errors.New("dial refused")
	h.remote.ConnectErr = dialErr

	err := h.sess.Start(context.Background())
	var te *session.TransportError
	if !errors.As(err, &te) || te.Stage != session.StageConnect {
		t.Fatalf("err = %v, want connect TransportError", err)
	}
	if !errors.Is(err, dialErr) {
		t.Error("err does not wrap the dial error")
	}
	if h.capture.ReleaseCount() != 1 || h.player.ReleaseCount() != 1 {
		t.Error("devices not released after connect failure")
	}
	if !errors.Is(h.sess.Err(), dialErr) {
		t.Errorf("Err = %v", h.sess.Err())
	}
	if got := counterValue(t, h.reader, "voxlink.transport.errors"); got != 1 {
		t.Errorf("transport.errors metric = %d, want 1", got)
	}
}

// ── Release ordering ──────────────────────────────────────────────────────────

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

type loggedCapture struct {
	*devmock.Capture
	log *eventLog
}

func (c loggedCapture) OnFrame(cb func(audio.NativeFrame)) {
	if cb == nil {
		c.log.add("unsubscribe capture")
	}
	c.Capture.OnFrame(cb)
}

func (c loggedCapture) Release() error {
	c.log.add("release capture")
	return c.Capture.Release()
}

type loggedPlayer struct {
	*devmock.Player
	log *eventLog
}

func (p loggedPlayer) Schedule(f audio.NativeFrame, start time.Duration) (device.Token, error) {
	tok, err := p.Player.Schedule(f, start)
	if err != nil {
		return nil, err
	}
	return loggedToken{Token: tok, log: p.log}, nil
}

func (p loggedPlayer) Release() error {
	p.log.add("release playback")
	return p.Player.Release()
}

type loggedToken struct {
	device.Token
	log *eventLog
}

func (k loggedToken) Stop() {
	k.log.add("stop playback")
	k.Token.Stop()
}

type captureFunc func(context.Context, device.Constraints) (device.Capture, error)

func (f captureFunc) Acquire(ctx context.Context, c device.Constraints) (device.Capture, error) {
	return f(ctx, c)
}

type playbackFunc func(context.Context, audio.Format) (device.Player, error)

func (f playbackFunc) Acquire(ctx context.Context, fm audio.Format) (device.Player, error) {
	return f(ctx, fm)
}

type loggedHandle struct {
	*s2smock.Session
	log *eventLog
}

func (h loggedHandle) Close() error {
	h.log.add("close remote")
	return h.Session.Close()
}

// handleProvider hands out one fixed session handle.
type handleProvider struct {
	handle s2s.SessionHandle
}

func (p *handleProvider) Connect(context.Context, s2s.SessionConfig) (s2s.SessionHandle, error) {
	return p.handle, nil
}

func (p *handleProvider) Capabilities() s2s.Capabilities { return s2s.Capabilities{} }

func TestRelease_OrderAndJoinedErrors(t *testing.T) {
	t.Parallel()
	log := &eventLog{}
	mic := &devmock.Capture{ReleaseErr: errors.New("mic stuck")}
	spk := &devmock.Player{ReleaseErr: errors.New("speaker stuck")}
	remote := s2smock.NewSession()

	captures := captureFunc(func(context.Context, device.Constraints) (device.Capture, error) {
		return loggedCapture{Capture: mic, log: log}, nil
	})
	players := playbackFunc(func(context.Context, audio.Format) (device.Player, error) {
		return loggedPlayer{Player: spk, log: log}, nil
	})
	provider := &handleProvider{handle: loggedHandle{Session: remote, log: log}}

	sess := session.New(captures, players, provider, session.WithMetrics(testMetrics(t)))
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	remote.MarkReady()
	<-sess.Opened()

	remote.PushAudio(wireFrame(t, 100, 24000))
	waitFor(t, "frame scheduled", func() bool { return sess.Snapshot().Pending == 1 })

	err := sess.Stop()
	if err == nil {
		t.Fatal("Stop returned nil despite failing releases")
	}
	for _, want := range []string{"mic stuck", "speaker stuck"} {
		if !containsErr(err, want) {
			t.Errorf("Stop error %q missing %q", err, want)
		}
	}
	if sess.State() != session.Closed {
		t.Errorf("state = %v, want closed", sess.State())
	}

	want := []string{"unsubscribe capture", "release capture", "stop playback", "release playback", "close remote"}
	if got := log.get(); !slices.Equal(got, want) {
		t.Errorf("release order = %v, want %v", got, want)
	}
}

func containsErr(err error, msg string) bool {
	for e := range unwrapAll(err) {
		if e.Error() == msg {
			return true
		}
	}
	return false
}

// unwrapAll yields err and every error reachable through Unwrap.
func unwrapAll(err error) func(func(error) bool) {
	return func(yield func(error) bool) {
		stack := []error{err}
		for len(stack) > 0 {
			e := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if e == nil {
				continue
			}
			if !yield(e) {
				return
			}
			switch u := e.(type) {
			case interface{ Unwrap() []error }:
				stack = append(stack, u.Unwrap()...)
			case interface{ Unwrap() error }:
				stack = append(stack, u.Unwrap())
			}
		}
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}
