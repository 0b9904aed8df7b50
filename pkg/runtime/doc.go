/*
Package runtime spawns worker processes as namespaced containerd
containers and supervises their lifecycle for the execution pool.

The pool's isolation boundary is deliberately no stronger than an OS
process: a worker container gives that process its own mount, PID, and
network namespaces via containerd/runc, but nothing resembling a VM or a
language-level sandbox sits on top of it. Each worker's stdin/stdout are
piped back to the pool manager instead of attached to a terminal, and
carry the work/result frame protocol the pool and worker speak over.

# Architecture

	┌─────────────────── CONTAINERD RUNTIME ────────────────────┐
	│                                                             │
	│  ┌──────────────────────────────────────────────┐         │
	│  │        ContainerdRuntime Client               │         │
	│  │  - Socket: /run/containerd/containerd.sock   │         │
	│  │  - Namespace: bifrost                         │         │
	│  └──────────────────┬───────────────────────────┘         │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐         │
	│  │           Worker Lifecycle                    │         │
	│  │  - SpawnWorker: create + start, pipe stdio    │         │
	│  │  - Signal: SIGTERM / SIGKILL to the task       │         │
	│  │  - Stop: graceful-then-forceful shutdown      │         │
	│  │  - Delete: cleanup container and snapshot     │         │
	│  └──────────────────┬───────────────────────────┘         │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐         │
	│  │             Containerd Daemon                  │         │
	│  │  - Namespace: isolates bifrost worker procs   │         │
	│  │  - Snapshotter: overlayfs for layers          │         │
	│  │  - Runtime: runc (io.containerd.runc.v2)      │         │
	│  └────────────────────────────────────────────────┘        │
	└─────────────────────────────────────────────────────────┘

# Core Components

ContainerdRuntime:
  - Main client wrapper for containerd operations
  - One namespace ("bifrost") for every worker container
  - WorkerHandle carries the piped Stdin/Stdout the pool reads and writes
    frames on, plus the task's OS PID the pool records for heartbeats

# Worker Lifecycle

Spawn:
 1. Resolve the worker image (pulled once at pool startup via PullImage)
 2. Generate an OCI spec with the pool's env for this worker
 3. Create the container and a fresh overlay snapshot
 4. Create a task with stdin/stdout piped through in-memory io.Pipe pairs
 5. Start the task; return a WorkerHandle without waiting on readiness

Stop:
 1. SIGTERM the task
 2. Wait up to the caller's grace period
 3. SIGKILL if it hasn't exited
 4. Delete the task

Delete:
 1. Load the container (idempotent if already gone)
 2. Delete it along with its snapshot

# Usage

	rt, err := runtime.NewContainerdRuntime("")
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close()

	ctx := context.Background()
	if err := rt.PullImage(ctx, "bifrost-worker:latest"); err != nil {
		log.Fatal(err)
	}

	handle, err := rt.SpawnWorker(ctx, "worker-1", "bifrost-worker:latest", nil)
	if err != nil {
		log.Fatal(err)
	}

	// pool writes work frames to handle.Stdin, reads result frames from
	// handle.Stdout; the monitor loop checks liveness with rt.IsRunning.

	if err := rt.Stop(ctx, handle.ContainerID, 10*time.Second); err != nil {
		log.Fatal(err)
	}
	_ = rt.Delete(ctx, handle.ContainerID)

# Integration Points

This package integrates with:

  - pkg/workerproc: the work/result frame protocol carried over Stdin/Stdout
  - pkg/pool: the process pool manager that spawns, routes to, and
    monitors workers through this package
  - containerd: low-level container runtime operations
*/
package runtime
