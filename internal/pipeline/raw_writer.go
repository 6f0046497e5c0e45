package pipeline

// RawWriter writes raw event payloads for replay. The coordinator uses it as
// the dead letter for events whose append failed for good.
type RawWriter interface {
	WriteRawMessages(messages [][]byte) error
	Close() error
}
