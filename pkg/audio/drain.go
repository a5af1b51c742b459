package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a producer must be unblocked but
// its values are no longer wanted (e.g., the Events channel of a session
// handle after Close).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
