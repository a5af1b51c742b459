package session

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/codec"
	"github.com/MrWong99/voxlink/pkg/audio/device"
)

// Handle is one scheduled playback buffer that has not finished yet.
type Handle struct {
	ID       uint64
	Token    device.Token
	Start    time.Duration
	Duration time.Duration
}

// Scheduler places inbound frames back to back on the playback device clock.
//
// A Scheduler is not safe for concurrent use. It is owned by the session
// event loop; device completion hooks only post handle ids to the finished
// channel, which the loop feeds back through [Scheduler.Complete].
type Scheduler struct {
	player device.Player
	format audio.Format

	// The cursor is anchor plus run samples at the playback rate. Keeping the
	// sample count instead of summing per-frame durations avoids rounding
	// drift between consecutive frames.
	anchor time.Duration
	run    int64

	pending map[uint64]*Handle
	nextID  uint64

	finished chan<- uint64
	quit     <-chan struct{}
}

// NewScheduler returns a scheduler for player running at format. Finished
// handle ids are posted to finished; posting gives up once quit is closed.
func NewScheduler(player device.Player, format audio.Format, finished chan<- uint64, quit <-chan struct{}) *Scheduler {
	return &Scheduler{
		player:   player,
		format:   format,
		pending:  make(map[uint64]*Handle),
		finished: finished,
		quit:     quit,
	}
}

// Format returns the playback format every scheduled frame is played at.
func (s *Scheduler) Format() audio.Format { return s.format }

// Reset moves the cursor to now without touching pending buffers.
func (s *Scheduler) Reset(now time.Duration) {
	s.anchor = now
	s.run = 0
}

// Cursor returns the time at which the next frame would start if the device
// clock has not passed it.
func (s *Scheduler) Cursor() time.Duration {
	return s.anchor + audio.SamplesDuration(int(s.run), s.format.SampleRate)
}

// Pending returns the number of buffers scheduled but not yet finished.
func (s *Scheduler) Pending() int { return len(s.pending) }

// Schedule queues frame at max(cursor, now) and advances the cursor by the
// frame's duration. The frame must already be in the scheduler's format; use
// [Scheduler.Conform] for wire input.
func (s *Scheduler) Schedule(frame audio.NativeFrame) (*Handle, error) {
	samples := frame.Len()
	if samples == 0 {
		return nil, fmt.Errorf("session: schedule: empty frame")
	}

	now := s.player.Now()
	if s.Cursor() < now {
		s.anchor = now
		s.run = 0
	}
	start := s.Cursor()

	tok, err := s.player.Schedule(frame, start)
	if err != nil {
		return nil, fmt.Errorf("session: schedule: %w", err)
	}

	s.run += int64(samples)
	s.nextID++
	h := &Handle{
		ID:       s.nextID,
		Token:    tok,
		Start:    start,
		Duration: audio.SamplesDuration(samples, s.format.SampleRate),
	}
	s.pending[h.ID] = h

	id := h.ID
	tok.OnFinished(func() { s.post(id) })
	return h, nil
}

// post hands a finished id to the loop without ever blocking the device.
func (s *Scheduler) post(id uint64) {
	select {
	case s.finished <- id:
		return
	default:
	}
	go func() {
		select {
		case s.finished <- id:
		case <-s.quit:
		}
	}()
}

// Complete removes the handle with id. It reports false for ids that were
// already evicted by an interruption.
func (s *Scheduler) Complete(id uint64) bool {
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

// Interrupt stops every pending buffer, forgets them and rewinds the cursor
// to zero so the next frame starts at the device's current time. It returns
// the number of evicted buffers.
func (s *Scheduler) Interrupt() int {
	n := s.StopAll()
	s.anchor = 0
	s.run = 0
	return n
}

// StopAll stops and forgets every pending buffer, leaving the cursor alone.
func (s *Scheduler) StopAll() int {
	evicted := s.pending
	s.pending = make(map[uint64]*Handle)
	for _, h := range evicted {
		h.Token.Stop()
	}
	return len(evicted)
}

// Conform decodes an inbound wire frame into the scheduler's format. Frames
// whose MIME type declares another rate or channel count are converted on
// the PCM16 bytes before decoding; an unparseable MIME type is taken to be
// the playback format.
func (s *Scheduler) Conform(wire audio.WireFrame) (audio.NativeFrame, error) {
	from, err := audio.ParseMIME(wire.MIMEType)
	if err != nil || from == s.format {
		return codec.Decode(wire, s.format.SampleRate, s.format.Channels)
	}

	if from.Channels > 2 {
		return audio.NativeFrame{}, &codec.DecodeError{Reason: fmt.Sprintf("unsupported channel layout %s", from)}
	}
	pcm, err := base64.StdEncoding.DecodeString(wire.Data)
	if err != nil {
		return audio.NativeFrame{}, &codec.DecodeError{Reason: "invalid base64", Err: err}
	}
	if len(pcm)%(2*from.Channels) != 0 {
		return audio.NativeFrame{}, &codec.DecodeError{
			Reason: fmt.Sprintf("%d bytes is not a whole number of %d-channel samples", len(pcm), from.Channels),
		}
	}
	samples, err := codec.DecodePCM16(audio.ConvertPCM16(pcm, from, s.format), s.format.Channels)
	if err != nil {
		return audio.NativeFrame{}, err
	}
	return audio.NativeFrame{
		Samples:    samples,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
	}, nil
}
