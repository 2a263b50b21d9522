package pqcodec

import "time"

// pgEpoch is 2000-01-01 00:00:00 UTC, the reference point Postgres
// uses for TimestampTz values on the wire.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// PgCurrentTimestamp returns the current time as microseconds since
// the Postgres epoch, the unit XLogData's timestamp field carries.
func PgCurrentTimestamp() uint64 {
	return uint64(time.Since(pgEpoch).Microseconds())
}
