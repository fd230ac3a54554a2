package invoke

import (
	"io"
	"os"
)

// stderrWriter is swapped in tests to silence retry notices.
var stderrWriter io.Writer = os.Stderr
