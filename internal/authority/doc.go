// Package authority talks to the remote system of record.
//
// Client is what the device uses: JSON POSTs bounded by a request timeout,
// signed with a device-scoped bearer token, plus a cheap health probe for
// the connectivity monitor.
//
// Stub is a development authority. It implements the sync endpoint and the
// per-type event endpoints on top of a SQLite ledger and discards
// redeliveries by event_id.
package authority
