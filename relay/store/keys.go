package store

// StreamKey constructs the log key for a channel.
// Format: {prefix}:{channel}, or the bare channel name when prefix is empty
// so that streams written by older relay instances stay readable.
func StreamKey(prefix string, channel string) string {
	if prefix == "" {
		return channel
	}
	return prefix + ":" + channel
}
