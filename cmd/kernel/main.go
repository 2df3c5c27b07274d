// Command kernel boots the hosted kernel: build the allocators and the
// kernel's own address space, install the trap vectors, mount the block
// device and its file system, bring up the configured number of harts, and
// (if given an init binary) load and enqueue the origin task — §9's boot
// order, run as one ordinary Go process instead of QEMU's -kernel load.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duckos/internal/aspace"
	"duckos/internal/blockdev"
	"duckos/internal/elf"
	"duckos/internal/fat32"
	"duckos/internal/kconfig"
	"duckos/internal/kerr"
	"duckos/internal/klog"
	"duckos/internal/kprofile"
	"duckos/internal/mem"
	"duckos/internal/pgtbl"
	"duckos/internal/proc"
	"duckos/internal/trap"
	"duckos/internal/vfs"
)

func main() {
	var (
		harts    = flag.Int("harts", 2, "number of harts to bring up")
		diskPath = flag.String("disk", "", "path to a raw FAT32 disk image (a fresh one is formatted in memory if empty)")
		diskSecs = flag.Uint("disk-sectors", 65536, "sector count for a freshly formatted disk image")
		initPath = flag.String("init", "", "path to a riscv64 ELF binary to load as the origin task")
		httpAddr = flag.String("http", "127.0.0.1:6060", "listen address for the /debug/kprofile endpoint")
	)
	flag.Parse()

	cfg := kconfig.Default()

	arena := mem.NewArena(mem.Pa(kconfig.KernelImageBase), cfg.FramePoolPages)
	alloc := mem.NewFrameAllocator(arena)

	kernelAS, errc := aspace.NewKernel(alloc, arena, []aspace.ImageRegion{
		{
			Phys: mem.Pa(kconfig.KernelImageBase),
			Virt: mem.Va(kconfig.KernelImageBase + kconfig.VirtMirrorOffset),
			Len:  cfg.FramePoolPages * kconfig.PageSize,
			Perm: pgtbl.R | pgtbl.W | pgtbl.X | pgtbl.G,
		},
	})
	must(errc, "construct kernel address space")
	klog.Infof(klog.Fields{"frames": cfg.FramePoolPages}, "kernel address space ready")

	dispatcher := trap.NewDispatcher()

	dev, errc := openDisk(*diskPath, uint32(*diskSecs))
	must(errc, "open disk")

	fs, errc := fat32.Mount(dev, cfg.BlockCacheCapacity)
	must(errc, "mount fat32 volume")

	v, errc := vfs.New(alloc, fs)
	must(errc, "construct vfs")

	fdt := vfs.NewFDTable(v, sinkTo(os.Stdout), sinkTo(os.Stderr), sourceFrom(os.Stdin))
	trap.RegisterWrite(dispatcher, fdt)
	trap.RegisterDup(dispatcher, fdt)
	trap.RegisterCwd(dispatcher, fdt)
	trap.RegisterFstat(dispatcher, fdt)
	trap.RegisterUname(dispatcher, fdt)
	klog.Infof(nil, "syscall table registered")

	sched := proc.NewScheduler(*harts)
	sched.Init, errc = proc.NewTask(0, 0, alloc, kernelAS, fdt)
	must(errc, "construct init task")

	if *initPath != "" {
		spawnOrigin(*initPath, kernelAS, alloc, arena, fdt, sched)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for i := 0; i < *harts; i++ {
		go hartLoop(ctx, i, sched, kernelAS)
	}

	sampler := &kprofile.Sampler{Alloc: alloc, Sched: sched}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/kprofile", sampler.Handler())
	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf(klog.Fields{"err": err}, "profiling endpoint exited")
		}
	}()
	klog.Infof(klog.Fields{"addr": *httpAddr}, "profiling endpoint listening")

	<-ctx.Done()
	klog.Infof(nil, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	if errc := fs.Info.Close(); errc != kerr.None {
		klog.Errorf(klog.Fields{"errc": errc}, "failed flushing file system on shutdown")
	}
}

// openDisk returns a device backed by path's contents if given, otherwise
// a freshly formatted in-memory volume of the requested sector count.
func openDisk(path string, sectors uint32) (blockdev.Device, kerr.Code) {
	if path == "" {
		dev := blockdev.NewMemory()
		if errc := fat32.Format(dev, sectors); errc != kerr.None {
			return nil, errc
		}
		klog.Infof(klog.Fields{"sectors": sectors}, "formatted fresh in-memory disk")
		return dev, kerr.None
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		klog.Errorf(klog.Fields{"path": path, "err": err}, "failed reading disk image")
		return nil, kerr.NotFound
	}
	dev := blockdev.NewMemory()
	var sec [kconfig.SectorSize]byte
	for off := 0; off+kconfig.SectorSize <= len(raw); off += kconfig.SectorSize {
		copy(sec[:], raw[off:off+kconfig.SectorSize])
		dev.WriteBlock(uint64(off/kconfig.SectorSize), &sec)
	}
	klog.Infof(klog.Fields{"path": path, "bytes": len(raw)}, "loaded disk image")
	return dev, kerr.None
}

// spawnOrigin reads path as an ELF binary, loads it into a fresh user
// address space, and enqueues the resulting task — §4.9's loader feeding
// directly into §4.7's ready queue.
func spawnOrigin(path string, kernelAS *aspace.AddressSpace, alloc *mem.FrameAllocator, arena *mem.Arena, fdt proc.FDTable, sched *proc.Scheduler) {
	raw, err := os.ReadFile(path)
	if err != nil {
		klog.Errorf(klog.Fields{"path": path, "err": err}, "failed reading origin binary")
		return
	}

	as, errc := aspace.NewUser(kernelAS, alloc, arena)
	must(errc, "construct origin address space")

	layout, errc := elf.Load(raw, as, alloc, []string{path}, os.Environ())
	must(errc, "load origin binary")

	task, errc := proc.NewTask(1, 1, alloc, as, fdt.Retain())
	must(errc, "construct origin task")
	task.Context.Sp = uint64(layout.Sp)

	sched.Enqueue(task)
	klog.Infof(klog.Fields{"entry": layout.EntryPoint, "sp": layout.Sp}, "origin task enqueued")
}

// hartLoop is one hart's idle loop (§4.7): acquire the hart's slot, then
// repeatedly pull a task off the ready queue and immediately suspend it
// back. There is no real CPU behind this hosted kernel to execute into
// tf.Sepc, so running a task here means exercising the same
// run/suspend state transitions a trap-return path would drive, not
// executing user instructions.
func hartLoop(ctx context.Context, id int, sched *proc.Scheduler, kernelAS *aspace.AddressSpace) {
	if err := sched.AcquireHart(ctx); err != nil {
		return
	}
	defer sched.ReleaseHart()

	h := &proc.HartLocal{ID: id}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if t, ok := sched.Run(h); ok {
			sched.Suspend(h, kernelAS)
			_ = t
			continue
		}
		time.Sleep(time.Millisecond)
	}
}

// sinkTo adapts an *os.File into the write-sink signature vfs.NewFDTable
// expects for the stdio sentinels.
func sinkTo(f *os.File) func([]byte) (int, kerr.Code) {
	return func(b []byte) (int, kerr.Code) {
		n, err := f.Write(b)
		if err != nil {
			return n, kerr.IOError
		}
		return n, kerr.None
	}
}

// sourceFrom adapts an *os.File into the read-source signature
// vfs.NewFDTable expects for the stdin sentinel.
func sourceFrom(f *os.File) func([]byte) (int, kerr.Code) {
	return func(b []byte) (int, kerr.Code) {
		n, err := f.Read(b)
		if err != nil && n == 0 {
			return 0, kerr.IOError
		}
		return n, kerr.None
	}
}

func must(errc kerr.Code, what string) {
	if errc != kerr.None {
		fmt.Fprintf(os.Stderr, "kernel: %s: %v\n", what, errc)
		os.Exit(1)
	}
}
