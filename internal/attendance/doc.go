// Package attendance is the state machine behind the entry, exit and
// close-day actions.
//
// Per site the lifecycle is NoSession → Open → Closed, and at most one site
// is open at a time. A day can only be closed when no site is open.
//
// # Registration
//
// RegisterEntry and RegisterExit capture a photo and a best-effort
// location, write the asset record first, then attempt an upload with a
// bounded timeout. An upload failure keeps the local locator, marks the
// session pendingUpload and is reported as a warning on the Receipt; only
// lifecycle violations are returned as errors. A background synchronize is
// scheduled after every registration.
//
// An exit for a site with no open session first tries to recover one from
// the site's latest entry record (see package reconcile).
//
// # Closing the Day
//
// CloseDay synchronizes, computes worked hours, writes an immutable Jornada
// snapshot locally and remotely, deletes the asset records of the closed
// dates and resets the ledger.
//
// # Lifetime
//
// Start must be called before use and Close when done. Scheduled callbacks
// check the lifetime flag and do nothing after Close.
package attendance
