// Package dispatch correlates request and response traffic flowing in both
// directions over a single plugin connection.
//
// A Dispatcher owns two routing tables keyed by request id. The outbound
// table tracks requests this process sent and is how responses, progress
// notifications, and faults find their way back to the waiting caller. The
// inbound table tracks requests the plugin sent and is how cancellation
// reaches the handler serving them.
//
// # Routing
//
// Every frame the connection delivers is first matched against the outbound
// table. On a hit the frame's type decides its fate: a response or fault
// completes the waiting call, progress extends its deadline, and anything
// else is a protocol error. On a miss the frame must be a fresh request or a
// cancellation of one; requests are served by the handler registered for
// their method on a new goroutine, and the reply is sent automatically when
// the handler returns.
//
// # Timeouts and keep-alive
//
// Each outbound request carries a deadline. Progress frames from the plugin
// push the deadline back out to a full timeout, so a slow operation stays
// alive as long as the plugin keeps reporting. Handshake is the exception:
// its deadline is fixed, since a plugin that cannot even negotiate promptly
// is not worth waiting on.
//
// # Errors
//
// Frames that break the conversation's rules, such as a fault that matches
// no outstanding request, surface as ProtocolError. They are logged and the
// connection survives; only transport loss tears down outstanding work.
//
// # Reference
//
// https://learn.microsoft.com/en-us/nuget/reference/extensibility/nuget-cross-platform-plugins
// https://github.com/NuGet/NuGet.Client - NuGet.Protocol.Plugins MessageDispatcher.cs
package dispatch
