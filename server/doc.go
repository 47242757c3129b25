/*
Package server provides the web interface to labelmerge operations.  It loads
a TOML configuration describing stores, label and points layers and the
viewer's dims, opens them, and serves an HTTP API for moving the viewer,
editing marker points, reading and writing label slices, and merging the
labels under the points.

Merges that land are recorded in per-layer protolog files and optionally
sent to kafka.  See GET /api/help on a running server for the API.
*/
package server
