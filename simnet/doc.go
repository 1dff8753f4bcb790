// Package simnet provides in-memory datagram pipes for deterministic testing
// of the transfer protocol.
//
// # Overview
//
// A Network hands out connected pairs of Endpoints. Each Endpoint implements
// peer.Socket, so connections and session managers run unchanged on top of
// it. Datagrams are queued in memory; nothing touches the operating system.
//
// # Impairments
//
// The Network can drop, duplicate and reorder datagrams. Decisions come from
// a seeded math/rand source so a failing run can be replayed:
//
//	n := simnet.New(simnet.Config{Loss: 0.3, Duplicate: 0.05, Reorder: 0.1, Seed: 7})
//	a, b := n.Pipe("sender", "receiver")
//
//	n.SetImpaired(false) // handshake over a clean channel
//	// ...
//	n.SetImpaired(true)  // steady state under loss
//
// # Delivery Logs
//
// Every Send is recorded as a DeliveryRecord. Use Log to inspect it and
// ClearLog to reset it between phases of a test.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Handshake goroutines and the
// polling loop may share a Network.
package simnet
