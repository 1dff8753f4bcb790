// Package mztransport shares files directly between two machines.
//
// Endpoints meet through a relay, which brokers identities and UDP endpoint
// candidates but never carries file content. Once both sides punched a hole
// through their NATs the content flows over plain UDP datagrams, made
// reliable by per-packet acknowledgments and retransmission.
//
// # Getting Started
//
// Share a file:
//
//	options := mztransport.NewOptions()
//	options.Path = "report.pdf"
//	options.Secret = "hunter2"
//	options.Relays = []string{"relay.example.org"}
//
//	ep, err := mztransport.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ep.Close()
//	fmt.Println(ep.ShareURL())
//
//	err = ep.Run(ctx, func(ev transfer.Event) {
//	    fmt.Println(ev.Kind, ev.Name, ev.Progress)
//	})
//
// Fetch it elsewhere with Role set to transfer.RoleRecv, a local Path to
// write into, and a call to Request with the share URL before Run.
//
// # Packages
//
// The transfer package holds the session manager. packet, ack and peer
// implement the wire format and reliability layer, rendezvous and relay the
// meeting point and NAT traversal, sink the local storage and simnet a lossy
// in-memory network for tests.
package mztransport
