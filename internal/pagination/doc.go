// Package pagination walks a partition's records in fixed-size pages.
//
// Records are ordered by (timestamp, unique id), both ascending, the unique id
// compared as an unsigned big-endian byte string. A page carries the position
// of its last record as the cursor for the next call; resuming selects the
// first record strictly after that position, so a walk that follows cursors
// never repeats or skips a record that existed when each page was computed.
//
// Nothing here mutates the log. Paginate sorts the slice it is given, and
// the Engine only ever passes it the private copy returned by its Source.
package pagination
