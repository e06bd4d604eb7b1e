// Package harness runs device scenarios against a fully faked device.
//
// A scenario drives one device wired to a scripted sensor, an in-memory
// transport and a stub authority served over httptest. Time only moves
// when a step advances the manual clock, so runs are reproducible.
//
// # Scenario Format
//
//	name: offline_attendance
//	description: "A member scans while offline and the marks arrive later"
//	config:
//	  loop:
//	    connectivity_interval: 30s
//	authority:
//	  identities:
//	    - {user_id: 7, external_id: "40111222", name: Ines, role: alumno, slot: 1, template: t7}
//	local:
//	  - {user_id: 9, slot: 4, role: profesor}
//	steps:
//	  - name: boot
//	  - name: offline
//	    link: down
//	    authority: down
//	    advance: 30s
//	  - name: scan
//	    capture: {kind: match, slot: 1, confidence: 90}
//	  - name: enroll
//	    command: {accion: registrar, usuario_id: 12}
//	    ticks: 2
//	assertions:
//	  - {type: queue_len, count: 2}
//	  - {type: cache_has, user_id: 7, slot: 1}
//
// Each step applies its link and authority changes, queues its capture,
// enrollment or command, advances the clock and then runs Ticks loop
// iterations (one by default). A trace entry is recorded after every step.
//
// The config section is layered on the built-in defaults. Store and
// transport are always in memory.
//
// # Assertion Types
//
//   - state: final connectivity state
//   - queue_len: number of queued events
//   - cache_len: number of cached identities
//   - cache_has: an identity with user_id (and optionally slot, role, sync_state)
//   - cache_missing: no identity with user_id
//   - authority_events: events the authority accepted, optionally of event_type
//   - signals: feedback signals appear in the given order
//   - reports: reports of kind
//   - command_result: a published result for command (optionally user_id, success)
//   - syncs: full-sync requests the authority served
package harness
