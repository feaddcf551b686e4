package wire

// Sender delivers a frame to the session.
type Sender interface {
	Send(m Message) error
}

// SenderFunc adapts a function to a Sender.
type SenderFunc func(m Message) error

func (f SenderFunc) Send(m Message) error { return f(m) }
