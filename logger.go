package tsavfilter

import "github.com/asticode/go-astikit"

// We use a global logger because it feels weird to inject a logger into
// pure parsing functions. It's only needed so a caller can learn about
// non-fatal conditions (non-AV stream types, bad stuffing bytes) as they
// happen.
var logger = astikit.AdaptStdLogger(nil)

// SetLogger installs l as the destination for tsavfilter's debug/warning
// output. Passing nil silences it.
func SetLogger(l astikit.StdLogger) { logger = astikit.AdaptStdLogger(l) }
