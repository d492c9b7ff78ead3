// Package file implements the file sharing side of a chat client: the
// registry of files a user has posted into rooms, the chunk server that
// answers part requests from other peers, and the downloader that pulls a
// posted file part by part.
//
// # Overview
//
// The package provides three primary components:
//
//   - Registry: Records which files are posted into which rooms and owns
//     the open content handle of each posted entry
//   - ChunkServer: Answers a part request with the requested byte range,
//     or with a removal notice when the file is no longer posted
//   - Downloader: Requests parts from the owning peer one at a time,
//     writes them to disk and verifies the checksum on completion
//
// # Posting Files
//
// A file is posted into a room together with a reader positioned over its
// content:
//
//	reg := file.NewRegistry()
//	desc, err := file.DescribeFile("/srv/share/notes.pdf")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	f, _ := os.Open("/srv/share/notes.pdf")
//	if _, err := reg.Post(desc, "lobby", f); err != nil {
//	    log.Fatal(err)
//	}
//
// The same file may be posted into several rooms. Each (file, room) pair is
// an independent entry; withdrawing from one room leaves the others served.
//
// # Serving Parts
//
// The chunk server validates a request before touching the registry:
//
//	server := file.NewChunkServer(reg, sender)
//	part, err := server.Serve(ctx, peer, file.Request{
//	    File:   &desc,
//	    Room:   "lobby",
//	    Start:  0,
//	    Length: 64 * 1024,
//	})
//
// A request past the end of the file yields an empty part. A request for a
// file that is not posted in the named room produces a FileRemoved notice to
// the sender and ErrNotPosted. Reads on one entry are serialized so
// concurrent requests never observe each other's seek position.
//
// # Downloads
//
// Downloads progress through defined states:
//
//	DownloadStatePending    // Waiting to start
//	DownloadStateRunning    // In progress
//	DownloadStatePaused     // Temporarily paused
//	DownloadStateCompleted  // Finished and verified
//	DownloadStateCancelled  // Cancelled locally
//	DownloadStateError      // Failed due to error
//
// A download fails when the owner withdraws the file, disconnects, stalls
// beyond the stall timeout, or delivers content whose BLAKE2b-256 checksum
// does not match the description.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package file
