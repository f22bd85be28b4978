// Package messaging defines the message records exchanged between
// peers and the delivery-status state machine that governs them.
//
// A Message's status only ever moves forward through
// pending -> sent -> delivered -> read, with failed reachable from
// pending or sent; a delivered or read message never regresses. A
// QueuedMessage shadows a Message that has not yet been confirmed sent
// and is removed exactly once submission succeeds.
package messaging
