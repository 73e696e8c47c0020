package stagehand

// Logger is the interface the engine logs through. Leave Engine.Log nil to
// disable logging entirely.
type Logger interface {
	Printf(format string, v ...interface{})

	// Verbose should return true when verbose logging output is wanted
	Verbose() bool
}
