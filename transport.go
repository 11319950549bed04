// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package statemux

// A Link is a reliable ordered stream of decoded messages shared by two
// endpoints. Each message is a heterogeneous sequence of values: integers,
// strings, arrays, and application payloads. The link delivers messages in
// order and signals a single terminal close by failing Recv.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Link interface {
	// Send the message to the receiving endpoint.
	Send(msg []any) error

	// Recv the next available message from the link.
	Recv() ([]any, error)

	// Close the link, causing any pending send or receive operations to
	// terminate and report an error. After a link is closed, all further
	// operations on it must report an error.
	Close() error
}
