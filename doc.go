// Package nugetplugin runs NuGet cross-platform plugins and talks to them
// over their standard streams.
//
// A plugin is an external executable the client spawns on demand. Host and
// plugin exchange newline-delimited JSON messages over the subprocess's
// stdin and stdout; either side may issue requests, so a download can flow
// one way while credential callbacks flow the other on the same pipe pair.
//
// # Architecture
//
// The library is organized into layers:
//
//   - Provider: discovery plus lifecycle; hands out live plugins per package source
//   - messages: protocol envelope and payload definitions
//   - connection: message framing over stdio with a single reader loop
//   - dispatch: request/response correlation, timeouts, inbound handler dispatch
//   - handlers: registry answering plugin-to-host callbacks (credentials, log, exit monitor)
//   - plugin: process lifecycle, handshake, once-per-lifetime operations, factory
//   - discovery: search-path scanning, manifests, change watching
//   - resource: download and find-by-id adapters over a live plugin
//
// # Basic Usage
//
//	cfg := nugetplugin.ConfigFromEnvironment(os.Getenv)
//	provider := nugetplugin.NewProvider(cfg)
//	defer provider.Close()
//
//	source := &plugin.PackageSource{SourceURL: "https://feed.example/v3/index.json"}
//	results, err := provider.PluginsForSource(ctx, source, resolver)
//	if err != nil {
//	    return err
//	}
//	for _, r := range results {
//	    if r.Plugin == nil {
//	        log.Printf("plugin unavailable: %s", r.Message)
//	        continue
//	    }
//	    // wrap r.Plugin with resource.NewDownloadResource, inspect r.Claims, ...
//	}
//
// # Reference
//
// Plugin protocol overview:
// https://learn.microsoft.com/en-us/nuget/reference/extensibility/nuget-cross-platform-plugins
package nugetplugin

// Version is the library version, reported to plugins during Initialize.
const Version = "0.1.0-dev"
