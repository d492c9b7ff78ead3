// Package rendezvous implements the client side of the server-mediated
// handshake that lets two peers behind NAT open a direct connection.
//
// # Waiting Side
//
// The relay server sends WaitPeerConnection naming the endpoint the other
// peer will connect from (the sender point) and the endpoint it will dial
// (the request point). The coordinator opens a wait slot keyed by the
// sender point, then acknowledges with P2PReadyAccept:
//
//	coord := rendezvous.NewCoordinator(sess, rendezvous.NewSlotTable(time.Minute), out, tcp)
//	tcp.SetAcceptPolicy(coord.Slots())
//
//	slot, err := coord.BeginWait(ctx, instr)
//
// The slot is registered before the acknowledgement leaves so a connection
// arriving right after the server pairs both sides is never lost. Slots
// move through Waiting, Announced and then Connected or Expired.
//
// # Dialing Side
//
// ConnectToPeer names the endpoint to dial. Connect dials it, sends
// PeerHello with the local user and binds the connection to the remote
// nick. Peer looks the connection up again by nick.
package rendezvous
