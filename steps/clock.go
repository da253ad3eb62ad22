package steps

import "time"

// nowFunc is indirected so tests can pin wall-clock time the way the
// WorkflowContext.Now() is indirected elsewhere in this codebase for
// deterministic replay.
var nowFunc = time.Now
