package deploy

import "github.com/orbit88/cube.js/internal/cloud"

// Stage identifies a step of the deploy pipeline.
type Stage string

const (
	StageFingerprint Stage = "fingerprint"
	StageAuth        Stage = "auth"
	StagePackage     Stage = "package"
	StageUpload      Stage = "upload"
	StageWait        Stage = "wait"
)

// Event is one progress update emitted by the pipeline. The CLI output
// layer consumes these; this package never writes to a terminal.
type Event struct {
	Stage    Stage
	Status   cloud.Status
	Progress int
	Message  string
}

// Sink consumes progress events.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Publish calls f.
func (f SinkFunc) Publish(e Event) { f(e) }

// publish is the nil-safe emit helper used throughout the pipeline.
func publish(sink Sink, e Event) {
	if sink != nil {
		sink.Publish(e)
	}
}
