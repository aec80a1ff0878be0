// Command moses-worker is the privileged process that actually touches
// a raw device. It inherits whatever elevation the host granted it,
// binds a loopback listener on the port its caller hands it, and
// serves the Format/Clean/Analyze/Convert/Prepare/ReadDirectory/Ping/
// Shutdown protocol to the unprivileged engine process over that
// connection. Every destructive command re-runs the mandatory safety
// gate itself, since it is the side of the channel that can actually
// reach the device.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/mosesfs/moses/pkg/audit"
	"github.com/mosesfs/moses/pkg/device"
	"github.com/mosesfs/moses/pkg/elog"
	"github.com/mosesfs/moses/pkg/engcfg"
	"github.com/mosesfs/moses/pkg/exfat"
	"github.com/mosesfs/moses/pkg/ext"
	"github.com/mosesfs/moses/pkg/fat"
	"github.com/mosesfs/moses/pkg/fsops"
	"github.com/mosesfs/moses/pkg/fsregistry"
	"github.com/mosesfs/moses/pkg/ntfs"
	"github.com/mosesfs/moses/pkg/partimg"
	"github.com/mosesfs/moses/pkg/safety"
	"github.com/mosesfs/moses/pkg/workerproto"
)

var (
	flagAddr      = flag.String("addr", "127.0.0.1:7837", "loopback address to listen on")
	flagConfig    = flag.String("config", "", "path to engine config (YAML/TOML/JSON)")
	flagAuditLog  = flag.String("audit-log", "", "path to the safety-gate audit log (defaults to stderr-only, no durable sink)")
	flagSectorLen = flag.Int("sector-size", 512, "device sector size in bytes")
)

func main() {
	flag.Parse()

	log := &elog.CLI{}

	cfg, err := engcfg.Load(*flagConfig)
	if err != nil {
		log.Errorf("loading config: %v", err)
		os.Exit(1)
	}

	var sink audit.Sink = audit.NopSink{}
	if *flagAuditLog != "" {
		fileSink := audit.NewFileSink(*flagAuditLog)
		defer fileSink.Close()
		sink = fileSink
	}

	registry := fsregistry.New()
	registry.Register(ext.RegistryEntry())
	registry.Register(fat.RegistryEntry())
	registry.Register(exfat.RegistryEntry())
	registry.Register(ntfs.RegistryEntry())

	w := &worker{
		registry: registry,
		cfg:      cfg,
		sink:     sink,
		log:      log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ln, err := listen(*flagAddr)
	if err != nil {
		log.Errorf("binding %s: %v", *flagAddr, err)
		os.Exit(1)
	}
	log.Infof("moses-worker listening on %s", ln.Addr())

	srv := workerproto.NewServer(w.handle, log)
	if err := srv.Serve(ctx, ln); err != nil {
		log.Errorf("serve: %v", err)
		os.Exit(1)
	}
}

// worker holds every collaborator a request handler needs, passed in
// explicitly at construction rather than reached for as a package
// global (per the channel's own REDESIGN FLAGS precedent).
type worker struct {
	registry *fsregistry.Registry
	cfg      engcfg.Config
	sink     audit.Sink
	log      elog.Logger
}

func (w *worker) handle(ctx context.Context, req workerproto.Request, emit func(workerproto.ResponseKind, interface{})) (workerproto.ResponseKind, interface{}, error) {
	switch req.Command {
	case workerproto.CommandFormat:
		return w.handleFormat(req, emit)
	case workerproto.CommandClean:
		return w.handleClean(req, emit)
	case workerproto.CommandAnalyze:
		return w.handleAnalyze(ctx, req, emit)
	case workerproto.CommandConvert:
		return w.handleConvert(req, emit)
	case workerproto.CommandPrepare:
		return w.handlePrepare(req, emit)
	case workerproto.CommandReadDirectory:
		return w.handleReadDirectory(req, emit)
	default:
		return workerproto.ResponseError, nil, fmt.Errorf("unhandled command %q", req.Command)
	}
}

func (w *worker) openDevice(path string) (*device.Device, *device.Seeker, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	desc := device.Descriptor{ID: uuid.New(), Path: path, Size: fi.Size(), SectorSize: *flagSectorLen}
	dev, err := device.New(desc, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return dev, device.NewSeeker(dev), nil
}

// approve runs every mandatory safety-gate step in sequence and
// returns a consumed, one-shot proof that it passed. The engine-side
// Token that gated the original operator decision does not cross the
// wire (it carries an unexported "used" cell, deliberately not
// serializable); tokenID is kept only as the audit record's
// correlation id back to that decision.
func (w *worker) approve(desc device.Descriptor, operation, tokenID string) (safety.Token, error) {
	info := safety.DeviceInfo{ID: desc.ID, Path: desc.Path, BackupConfirmed: true}
	for _, pat := range w.cfg.Safety.CriticalMountPatterns {
		if pat == desc.Path {
			info.MountPoints = append(info.MountPoints, desc.Path)
		}
	}
	gate, err := safety.NewGate(info, w.cfg.Safety.CriticalMountPatterns, w.sink)
	if err != nil {
		return safety.Token{}, err
	}
	if err := gate.CheckSystemDrive(); err != nil {
		return safety.Token{}, err
	}
	if err := gate.CheckMounts(); err != nil {
		return safety.Token{}, err
	}
	if err := gate.Acknowledge(w.cfg.Safety.RequireBackupConfirm && tokenID != ""); err != nil {
		return safety.Token{}, err
	}
	return gate.Approve(operation)
}

func (w *worker) handleFormat(req workerproto.Request, emit func(workerproto.ResponseKind, interface{})) (workerproto.ResponseKind, interface{}, error) {
	var p workerproto.FormatPayload
	if err := unmarshal(req.Payload, &p); err != nil {
		return workerproto.ResponseError, nil, err
	}

	dev, seeker, err := w.openDevice(p.DevicePath)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}
	defer dev.Close()

	token, err := w.approve(dev.Descriptor(), "format:"+p.Family, p.TokenID)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}
	defer token.Use()

	emit(workerproto.ResponseProgress, workerproto.ProgressPayload{Label: "formatting " + p.Family, Percent: 0})
	if err := w.registry.Format(p.Family, seeker, fsops.FormatOptions{VolumeLabel: p.Label}); err != nil {
		return workerproto.ResponseError, nil, err
	}
	emit(workerproto.ResponseProgress, workerproto.ProgressPayload{Label: "formatting " + p.Family, Percent: 100})

	return workerproto.ResponseSuccess, p.Family + " formatted", nil
}

func (w *worker) handleClean(req workerproto.Request, emit func(workerproto.ResponseKind, interface{})) (workerproto.ResponseKind, interface{}, error) {
	var p workerproto.CleanPayload
	if err := unmarshal(req.Payload, &p); err != nil {
		return workerproto.ResponseError, nil, err
	}

	dev, seeker, err := w.openDevice(p.DevicePath)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}
	defer dev.Close()

	token, err := w.approve(dev.Descriptor(), "clean", p.TokenID)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}
	defer token.Use()

	// Zeroing the first and last megabyte erases every family's boot
	// sector/superblock/GPT header this engine recognizes, without
	// the cost of a full-device wipe.
	const wipeLen = 1 << 20
	zero := make([]byte, wipeLen)
	size := dev.Descriptor().Size

	emit(workerproto.ResponseProgress, workerproto.ProgressPayload{Label: "cleaning", Percent: 0})
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return workerproto.ResponseError, nil, err
	}
	if _, err := seeker.Write(zero); err != nil {
		return workerproto.ResponseError, nil, err
	}
	if size > wipeLen {
		tail := zero
		if size < 2*wipeLen {
			tail = zero[:size-wipeLen]
		}
		if _, err := dev.WriteAt(tail, size-int64(len(tail))); err != nil {
			return workerproto.ResponseError, nil, err
		}
	}
	emit(workerproto.ResponseProgress, workerproto.ProgressPayload{Label: "cleaning", Percent: 100})

	return workerproto.ResponseSuccess, "device cleaned", nil
}

func (w *worker) handleAnalyze(ctx context.Context, req workerproto.Request, emit func(workerproto.ResponseKind, interface{})) (workerproto.ResponseKind, interface{}, error) {
	var p workerproto.AnalyzePayload
	if err := unmarshal(req.Payload, &p); err != nil {
		return workerproto.ResponseError, nil, err
	}

	dev, seeker, err := w.openDevice(p.DevicePath)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}
	defer dev.Close()

	rep, err := partimg.Analyze(seeker, dev.Descriptor().Size)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}

	result := workerproto.AnalyzeResultPayload{Scheme: rep.Scheme}
	if table, err := partimg.Decode(seeker); err == nil {
		result.DiskGUID = table.DiskGUID.String()

		// Construct one filesystem instance per recognizable partition,
		// each rebased to its partition's byte offset; the constructed
		// family (not a mere signature probe) is what gets reported.
		parts, err := w.registry.OpenPartitions(seeker)
		if err != nil {
			return workerproto.ResponseError, nil, err
		}
		families := make(map[int]string, len(parts))
		for _, po := range parts {
			families[po.Index] = po.Family
			_ = po.Ops.Close()
		}
		for i := range table.Partitions {
			table.Partitions[i].Family = families[i]
		}
		rep.Partitions = table.Partitions
		for i, part := range table.Partitions {
			result.Partitions = append(result.Partitions, workerproto.PartitionReport{
				Index: i, FirstLBA: part.FirstLBA, LastLBA: part.LastLBA,
				Name: part.Name, Family: part.Family,
			})
		}
	}
	result.Report = rep.String()
	return workerproto.ResponseSuccess, result, nil
}

func (w *worker) handleConvert(req workerproto.Request, emit func(workerproto.ResponseKind, interface{})) (workerproto.ResponseKind, interface{}, error) {
	var p workerproto.ConvertPayload
	if err := unmarshal(req.Payload, &p); err != nil {
		return workerproto.ResponseError, nil, err
	}

	dev, seeker, err := w.openDevice(p.DevicePath)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}
	defer dev.Close()

	token, err := w.approve(dev.Descriptor(), "convert:"+p.FromFamily+"->"+p.ToFamily, p.TokenID)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}
	defer token.Use()

	fromEntry, err := w.registry.Lookup(p.FromFamily)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}
	src, err := fromEntry.NewReader(seeker)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}

	staging, err := os.MkdirTemp("", "moses-convert-*")
	if err != nil {
		src.Close()
		return workerproto.ResponseError, nil, err
	}
	defer os.RemoveAll(staging)

	emit(workerproto.ResponseProgress, workerproto.ProgressPayload{Label: "staging existing files", Percent: 10})
	if err := copyTree(src, fsops.Host(staging), "/"); err != nil {
		src.Close()
		return workerproto.ResponseError, nil, err
	}
	if err := src.Close(); err != nil {
		return workerproto.ResponseError, nil, err
	}

	emit(workerproto.ResponseProgress, workerproto.ProgressPayload{Label: "formatting " + p.ToFamily, Percent: 50})
	if err := w.registry.Format(p.ToFamily, seeker, fsops.FormatOptions{VolumeLabel: p.Label}); err != nil {
		return workerproto.ResponseError, nil, err
	}

	toEntry, err := w.registry.Lookup(p.ToFamily)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}
	inner, err := toEntry.NewWriter(seeker)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}
	dst := fsops.NewGuard(inner)
	dst.EnableWriteSupport() // the token above is the deliberate arming decision
	defer dst.Close()

	emit(workerproto.ResponseProgress, workerproto.ProgressPayload{Label: "restoring files", Percent: 80})
	if err := copyTree(fsops.Host(staging), dst, "/"); err != nil {
		return workerproto.ResponseError, nil, err
	}
	emit(workerproto.ResponseProgress, workerproto.ProgressPayload{Label: "converting", Percent: 100})

	return workerproto.ResponseSuccess, fmt.Sprintf("converted %s -> %s", p.FromFamily, p.ToFamily), nil
}

func (w *worker) handlePrepare(req workerproto.Request, emit func(workerproto.ResponseKind, interface{})) (workerproto.ResponseKind, interface{}, error) {
	var p workerproto.PreparePayload
	if err := unmarshal(req.Payload, &p); err != nil {
		return workerproto.ResponseError, nil, err
	}

	dev, seeker, err := w.openDevice(p.DevicePath)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}
	defer dev.Close()

	token, err := w.approve(dev.Descriptor(), "prepare", p.TokenID)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}
	defer token.Use()

	totalSectors := uint64(dev.Descriptor().Size / partimg.SectorSize)
	table := &partimg.Table{DiskGUID: uuid.New(), TotalLBAs: totalSectors}

	lba := uint64(partimg.FirstUsableLBA)
	for _, part := range p.Partitions {
		lbas := part.SizeBytes / partimg.SectorSize
		table.Partitions = append(table.Partitions, partimg.Partition{
			TypeGUID: uuid.New(),
			GUID:     uuid.New(),
			FirstLBA: lba,
			LastLBA:  lba + lbas - 1,
			Name:     part.Label,
		})
		lba += lbas
	}

	emit(workerproto.ResponseProgress, workerproto.ProgressPayload{Label: "partitioning", Percent: 10})
	if err := partimg.Encode(seeker, table, totalSectors); err != nil {
		return workerproto.ResponseError, nil, err
	}

	for i, spec := range p.Partitions {
		pw := fsregistry.PartitionSection(seeker, table.Partitions[i])
		emit(workerproto.ResponseProgress, workerproto.ProgressPayload{
			Label: "formatting partition " + spec.Label, Percent: float64(20 + i*70/max(1, len(p.Partitions))),
		})
		if err := w.registry.Format(spec.Family, pw, fsops.FormatOptions{VolumeLabel: spec.Label}); err != nil {
			return workerproto.ResponseError, nil, err
		}
	}
	emit(workerproto.ResponseProgress, workerproto.ProgressPayload{Label: "preparing", Percent: 100})

	return workerproto.ResponseSuccess, fmt.Sprintf("prepared %d partitions", len(p.Partitions)), nil
}

func (w *worker) handleReadDirectory(req workerproto.Request, emit func(workerproto.ResponseKind, interface{})) (workerproto.ResponseKind, interface{}, error) {
	var p workerproto.ReadDirectoryPayload
	if err := unmarshal(req.Payload, &p); err != nil {
		return workerproto.ResponseError, nil, err
	}

	dev, seeker, err := w.openDevice(p.DevicePath)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}
	defer dev.Close()

	var inner fsops.Ops
	switch {
	case p.PartitionIndex != nil:
		inner, _, err = w.registry.OpenPartition(seeker, *p.PartitionIndex)
		if err != nil {
			return workerproto.ResponseError, nil, err
		}
	case p.Family != "":
		entry, err := w.registry.Lookup(p.Family)
		if err != nil {
			return workerproto.ResponseError, nil, err
		}
		inner, err = entry.NewReader(seeker)
		if err != nil {
			return workerproto.ResponseError, nil, err
		}
	default:
		inner, err = w.registry.OpenReadOnly(seeker)
		if err != nil {
			return workerproto.ResponseError, nil, err
		}
	}
	// Never armed: ReadDirectory must not be able to mutate even if a
	// family's read-only mount has a defect.
	ops := fsops.NewGuard(inner)
	defer ops.Close()

	entries, err := ops.List(p.Path)
	if err != nil {
		return workerproto.ResponseError, nil, err
	}

	listing := workerproto.DirectoryListingPayload{}
	for _, e := range entries {
		listing.Entries = append(listing.Entries, workerproto.DirectoryEntryPayload{Name: e.Name, IsDir: e.IsDir, Size: e.Size})
	}
	return workerproto.ResponseDirectoryListing, listing, nil
}

// copyTree recursively copies every entry under path from src to dst.
func copyTree(src, dst fsops.Ops, path string) error {
	entries, err := src.List(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		childPath := filepath.ToSlash(filepath.Join(path, e.Name))
		if e.IsDir {
			if err := dst.Mkdir(childPath); err != nil {
				return err
			}
			if err := copyTree(src, dst, childPath); err != nil {
				return err
			}
			continue
		}
		r, err := src.Open(childPath)
		if err != nil {
			return err
		}
		wc, err := dst.Create(childPath)
		if err != nil {
			r.Close()
			return err
		}
		_, err = io.Copy(wc, r)
		r.Close()
		if cerr := wc.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func unmarshal(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
