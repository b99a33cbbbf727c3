package build

import (
	"fmt"

	"lukechampine.com/blake3"
)

// CorrelationToken tags one build run for log correlation, independent
// of the wire-format hash (which stays fixed to SHA-256 and is never
// substituted). Derived from the source path and chunk size so
// repeated builds of the same input are traceable across log lines
// without a process-global counter.
func CorrelationToken(sourcePath string, chunkSize uint64) string {
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s:%d", sourcePath, chunkSize)))
	return fmt.Sprintf("%x", sum[:8])
}

// LoggingProgress adapts a Progress callback to also emit a log line
// through the given logger every time the hashed count crosses a
// multiple of every, plus always on completion.
func LoggingProgress(logger interface{ Printf(string, ...interface{}) }, token string, every uint32, next Progress) Progress {
	if every == 0 {
		every = 1
	}
	return func(hashed, total uint32) {
		if hashed%every == 0 || hashed == total {
			logger.Printf("build[%s]: %d/%d chunks hashed", token, hashed, total)
		}
		if next != nil {
			next(hashed, total)
		}
	}
}
