// Package connection implements the line-framed duplex transport between a
// NuGet client and a plugin process.
//
// A plugin is an executable launched as a child process. Host and plugin
// exchange protocol messages over the child's standard streams: the host
// writes frames to the plugin's stdin and reads frames from its stdout. Each
// frame is one UTF-8 JSON object terminated by a newline, and frames never
// contain raw line breaks.
//
// # Sending
//
// Send serializes a message and writes it as a single frame. Writes are
// serialized under a mutex so concurrent senders never interleave bytes on
// the wire.
//
// # Receiving
//
// Start launches the read loop. Inbound frames are decoded and handed to the
// bound Observer one at a time, in arrival order; the loop does not read the
// next frame until OnMessageReceived returns. Blank lines and a UTF-8 BOM
// are tolerated.
//
// # Faults
//
// A connection reaches its terminal state exactly once: on EOF, on a read or
// write error, on an undecodable frame, or on Close. The observer's OnFaulted
// receives the cause and Done is closed. After that every Send returns
// ErrClosed.
//
// # Reference
//
// The framing matches the NuGet cross-platform plugin protocol (implemented
// in NuGet.Client's NuGet.Protocol.Plugins: Sender.cs,
// StandardOutputReceiver.cs):
// https://learn.microsoft.com/en-us/nuget/reference/extensibility/nuget-cross-platform-plugins
package connection
