package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/codec"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// Pipeline turns captured frames into wire frames for the remote channel.
// Its Handle method is installed as the capture device's frame callback;
// devices call it sequentially, so wire order equals capture order.
type Pipeline struct {
	ctx     context.Context
	remote  s2s.SessionHandle
	metrics *observe.Metrics
	log     *slog.Logger

	// onVolume receives the RMS of every frame. It may be nil.
	onVolume func(codec.VolumeSample)

	// onSendError is called at most once with the first send failure.
	onSendError func(error)
	failOnce    sync.Once

	// mu serialises the stopped check with SendAudio so that nothing is sent
	// once Stop has returned.
	mu      sync.Mutex
	stopped bool

	sent    int64
	dropped int64
}

func newPipeline(ctx context.Context, remote s2s.SessionHandle, m *observe.Metrics, log *slog.Logger, onVolume func(codec.VolumeSample), onSendError func(error)) *Pipeline {
	return &Pipeline{
		ctx:         ctx,
		remote:      remote,
		metrics:     m,
		log:         log,
		onVolume:    onVolume,
		onSendError: onSendError,
	}
}

// Handle processes one captured frame: volume, encode, send.
func (p *Pipeline) Handle(frame audio.NativeFrame) {
	vol := codec.RMS(frame.Samples)
	p.metrics.CaptureVolume.Record(p.ctx, float64(vol))
	if p.onVolume != nil {
		p.onVolume(vol)
	}

	wire, err := codec.Encode(frame)
	if err != nil {
		p.log.Debug("dropping capture frame", "err", err)
		p.metrics.RecordDrop(p.ctx, observe.DirectionOutbound, observe.ReasonEncode)
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.dropped++
		p.metrics.RecordDrop(p.ctx, observe.DirectionOutbound, observe.ReasonStopped)
		return
	}
	if err := p.remote.SendAudio(wire); err != nil {
		p.failOnce.Do(func() {
			p.stopped = true
			if p.onSendError != nil {
				p.onSendError(err)
			}
		})
		return
	}
	p.sent++
	p.metrics.FramesSent.Add(p.ctx, 1)
}

// Stop discards the output of every frame that has not been sent yet. A send
// already in progress completes before Stop returns.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

// Counts returns the number of frames sent and dropped so far.
func (p *Pipeline) Counts() (sent, dropped int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent, p.dropped
}
