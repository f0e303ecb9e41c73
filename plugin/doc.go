// Package plugin manages the lifecycle of plugin subprocesses.
//
// A Plugin is one running executable with its negotiated wire connection.
// The Factory spawns them: launch the process, wrap its stdio in a
// connection, bind a dispatcher, and negotiate the protocol version before
// anyone else gets to talk. Concurrent callers asking for the same
// executable share a single spawn, and a healthy plugin is reused until it
// closes.
//
// # Lifecycle
//
// A plugin dies for one of four reasons: its process exits, its connection
// faults, it sits idle past the factory's idle timeout, or someone calls
// Close. All roads lead through Close, which is idempotent and settles
// outstanding work before killing the process.
//
// Per-lifetime setup runs through DoOnce, which executes a keyed function
// exactly once per plugin and broadcasts the result, success or failure, to
// every concurrent and future caller. Operation claims are cached the same
// way, one wire request per package source.
//
// # Reference
//
// https://learn.microsoft.com/en-us/nuget/reference/extensibility/nuget-cross-platform-plugins
// https://github.com/NuGet/NuGet.Client - NuGet.Protocol.Plugins PluginFactory.cs
package plugin
