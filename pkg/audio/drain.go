package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Producers that block on a full channel (a transport event stream, a
// capture stream) are released this way once their output is no longer
// wanted.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
