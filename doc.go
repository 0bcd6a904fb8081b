// Package challrun runs CTF challenge instances on a container engine.
//
// challrun gives a platform backend one façade over its container engines:
// it provisions per-player and shared challenge instances, tracks each one
// through an explicit lifecycle, reclaims expired instances on a
// background sweep, and survives process restarts by recovering its state
// from an embedded SQLite database.
//
// # Basic Usage
//
//	import "github.com/ctfrange/challrun"
//
//	ctx := context.Background()
//
//	rt, err := challrun.New(
//	    challrun.WithStateDir("/var/lib/challrun"),
//	    challrun.WithAdvertiseHost("challs.example.org"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rt.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Shutdown()
//
//	inst, err := rt.CreateInstance(ctx, challrun.CreateRequest{
//	    ChallengeID: 42,
//	    OwnerKey:    "team-7",
//	    ImageRef:    "registry.example.org/challs/web:latest",
//	    Port:        1337,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(inst.Access.URL) // hand this to the player
//
//	// Later, on solve or on player request:
//	_ = rt.DestroyInstance(ctx, challrun.ByID(inst.ID))
//
// # Backends
//
// The runtime talks to exactly one backend, chosen at construction time:
// WithLocalBackend for an engine on the same host over a unix socket (the
// default), WithRemoteBackend for an engine over TCP with mutual TLS, and
// WithUnsupportedBackend as an explicit placeholder that fails every
// instance operation with ErrUnsupported while keeping status queries
// working.
//
// # Lifecycle and Cleanup
//
// Every instance moves through Requested, Provisioning, Running, Expiring,
// Terminating and ends in Terminated or Failed. Dynamic instances carry a
// TTL; a background sweep tears down expired ones, finishes teardowns a
// crash interrupted, fails instances whose containers died, and purges
// terminal records after a retention window. Shared always-on instances
// are exempt from expiry. Creates are idempotent per challenge and owner,
// so a player mashing the deploy button converges on one instance.
package challrun
