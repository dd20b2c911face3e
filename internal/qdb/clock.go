package qdb

import "time"

// nowFunc is indirected so tests can freeze time when asserting on
// WriteAt timestamps without sleeping.
var nowFunc = time.Now
