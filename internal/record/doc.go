// Package record defines the value types shared by the biosync components.
//
// This package contains types and codecs only. Every other internal package
// imports record; record imports nothing internal except fault.
//
// Key design constraints:
//   - IdentityRecord values are owned by the identity cache; OfflineEvent
//     values are owned by the offline queue. Neither holds pointers into the
//     other, cross references are by value (UserID, Slot).
//   - Payload is a closed set of typed variants, one per EventType. Payloads
//     are serialized only at the boundaries: EncodeWire for the authority,
//     MarshalEvent/UnmarshalEvent for the persistent store.
//   - All JSON tags use snake_case.
package record
