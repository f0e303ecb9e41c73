// Command plugin-probe launches a NuGet plugin executable, negotiates the
// protocol and reports what the plugin offers for a package source.
//
// Usage:
//
//	plugin-probe [flags] <plugin executable>
//
// The probe handshakes, initializes, queries operation claims for -source
// and, with -package set, lists that package's versions through the
// plugin.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	nugetplugin "github.com/smnsjas/go-nugetplugin"
	"github.com/smnsjas/go-nugetplugin/handlers"
	"github.com/smnsjas/go-nugetplugin/messages"
	"github.com/smnsjas/go-nugetplugin/plugin"
	"github.com/smnsjas/go-nugetplugin/resource"
)

func main() {
	source := flag.String("source", "https://api.nuget.org/v3/index.json", "package source repository URL")
	packageID := flag.String("package", "", "package id to enumerate versions for")
	timeout := flag.Duration("timeout", 30*time.Second, "overall probe deadline")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatal("usage: plugin-probe [flags] <plugin executable>")
	}
	path := flag.Arg(0)

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Trap Ctrl+C for clean shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	reg := handlers.NewRegistry()
	reg.TryAdd(messages.MethodLog, handlers.NewLogHandler(logger))

	log.Printf("Launching %s ...", path)
	factory := plugin.NewFactory(&plugin.FactoryOptions{Logger: logger})
	defer factory.Close()

	p, err := factory.GetOrCreate(ctx, path, []string{nugetplugin.PluginModeArg}, reg, nil)
	if err != nil {
		log.Fatalf("Plugin unusable: %v", err)
	}
	log.Printf("Handshake complete: protocol %s, plugin id %s", p.ProtocolVersion(), p.ID())

	if err := p.Initialize(ctx, nugetplugin.Version, "en-US", 10*time.Second); err != nil {
		log.Fatalf("Initialize failed: %v", err)
	}
	log.Println("Initialized.")

	src := &plugin.PackageSource{SourceURL: *source}
	claims, err := p.OperationClaims(ctx, src)
	if err != nil {
		log.Fatalf("Operation claims failed: %v", err)
	}
	if len(claims) == 0 {
		log.Printf("Plugin claims nothing for %s", *source)
	} else {
		log.Printf("Claims for %s: %v", *source, claims)
	}

	if *packageID != "" {
		find, err := resource.NewFindPackageByIDResource(p, *source)
		if err != nil {
			log.Fatalf("Build find-by-id resource: %v", err)
		}
		versions, err := find.Versions(ctx, *packageID)
		if err != nil {
			log.Fatalf("List versions failed: %v", err)
		}
		if len(versions) == 0 {
			log.Printf("No versions of %s at %s", *packageID, *source)
		}
		for _, v := range versions {
			fmt.Println(v)
		}
	}

	log.Println("Closing plugin...")
	if err := p.Close(); err != nil {
		log.Fatalf("Close failed: %v", err)
	}
}
