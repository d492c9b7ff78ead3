// Package api connects the transport to the core components.
//
// Inbound packets are decoded into a closed set of commands:
//
//	ReadFilePartCommand       -> file.ChunkServer.Serve
//	WriteFilePartCommand      -> file.Downloader.HandlePart
//	WaitPeerConnectionCommand -> rendezvous.Coordinator.BeginWait
//	ConnectToPeerCommand      -> rendezvous.Coordinator.Connect
//	FileRemovedCommand        -> file.Downloader.HandleWithdrawn
//	PeerHelloCommand          -> rendezvous.Coordinator.HandleHello
//
// The Outbox encodes what the components send back: parts and hellos go
// to a peer connection, withdrawal notices and acknowledgements go to the
// relay server.
package api
