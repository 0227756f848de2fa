package core

// Frame is a raw encoded payload written to a relay client.
type Frame []byte

// SignalConnection abstracts one relay client socket.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
