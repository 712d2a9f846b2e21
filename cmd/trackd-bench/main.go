// Command trackd-bench drives synthetic BEP 15 load against a running
// tracker: each worker holds one UDP socket, refreshes its connection
// ID before the two-minute expiry, and loops announce cycles with a
// trailing scrape.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	protocolMagic  = 0x41727101980
	actionConnect  = 0
	actionAnnounce = 1
	actionScrape   = 2

	replyTimeout = 5 * time.Second
	// Refresh well inside the server's two-minute cookie window.
	connIDRefresh = 100 * time.Second
)

type options struct {
	target      string
	duration    time.Duration
	concurrency int
	perWorker   int
	hashes      int
	numWant     int
}

type latencies struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencies) record(d time.Duration) {
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

// quantiles returns min, p50, p95, p99 and max of the recorded
// samples.
func (l *latencies) quantiles() (time.Duration, time.Duration, time.Duration, time.Duration, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) == 0 {
		return 0, 0, 0, 0, 0
	}
	sorted := make([]time.Duration, len(l.samples))
	copy(sorted, l.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(p float64) time.Duration {
		idx := int(float64(len(sorted)) * p)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return sorted[0], at(0.50), at(0.95), at(0.99), sorted[len(sorted)-1]
}

type counters struct {
	connects  atomic.Uint64
	announces atomic.Uint64
	scrapes   atomic.Uint64
	failures  atomic.Uint64
}

type bench struct {
	opts     options
	counts   counters
	announce latencies
}

func (b *bench) worker(ctx context.Context, id int) error {
	conn, err := net.Dial("udp", b.opts.target)
	if err != nil {
		return fmt.Errorf("worker %d: dial: %w", id, err)
	}
	defer conn.Close()

	var limiter *rate.Limiter
	if b.opts.perWorker > 0 {
		limiter = rate.NewLimiter(rate.Limit(b.opts.perWorker), 1)
	}

	peerID := syntheticPeerID(id)
	hashes := make([][20]byte, b.opts.hashes)
	for i := range hashes {
		hashes[i] = syntheticHash(id, i)
	}

	connID, err := b.connect(conn)
	if err != nil {
		return fmt.Errorf("worker %d: connect: %w", id, err)
	}
	issued := time.Now()

	for ctx.Err() == nil {
		if time.Since(issued) > connIDRefresh {
			if fresh, err := b.connect(conn); err == nil {
				connID, issued = fresh, time.Now()
			}
		}
		for _, hash := range hashes {
			if ctx.Err() != nil {
				return nil
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
			}
			if err := b.announceOnce(conn, connID, hash, peerID); err != nil {
				b.counts.failures.Add(1)
			} else {
				b.counts.announces.Add(1)
			}
		}
		if err := b.scrapeOnce(conn, connID, hashes[0]); err != nil {
			b.counts.failures.Add(1)
		} else {
			b.counts.scrapes.Add(1)
		}
	}
	return nil
}

func (b *bench) connect(conn net.Conn) (uint64, error) {
	txID := uint32(time.Now().UnixNano())
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp := make([]byte, 16)
	n, err := b.roundTrip(conn, req, resp, actionConnect, txID)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("short connect response: %d bytes", n)
	}
	b.counts.connects.Add(1)
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (b *bench) announceOnce(conn net.Conn, connID uint64, hash, peerID [20]byte) error {
	start := time.Now()
	txID := uint32(time.Now().UnixNano())

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], hash[:])
	copy(req[36:56], peerID[:])
	binary.BigEndian.PutUint64(req[64:72], 100) // leecher
	binary.BigEndian.PutUint32(req[92:96], uint32(b.opts.numWant))
	binary.BigEndian.PutUint16(req[96:98], 6881)

	resp := make([]byte, 1500)
	_, err := b.roundTrip(conn, req, resp, actionAnnounce, txID)
	if err == nil {
		b.announce.record(time.Since(start))
	}
	return err
}

func (b *bench) scrapeOnce(conn net.Conn, connID uint64, hash [20]byte) error {
	txID := uint32(time.Now().UnixNano())

	req := make([]byte, 36)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionScrape)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], hash[:])

	resp := make([]byte, 1500)
	_, err := b.roundTrip(conn, req, resp, actionScrape, txID)
	return err
}

func (b *bench) roundTrip(conn net.Conn, req, resp []byte, action, txID uint32) (int, error) {
	if _, err := conn.Write(req); err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(replyTimeout)); err != nil {
		return 0, err
	}
	n, err := conn.Read(resp)
	if err != nil {
		return 0, err
	}
	if n < 8 {
		return 0, fmt.Errorf("short response: %d bytes", n)
	}
	if binary.BigEndian.Uint32(resp[0:4]) != action || binary.BigEndian.Uint32(resp[4:8]) != txID {
		return 0, fmt.Errorf("mismatched response")
	}
	return n, nil
}

func syntheticHash(workerID, n int) [20]byte {
	var hash [20]byte
	binary.BigEndian.PutUint32(hash[0:4], uint32(workerID))
	binary.BigEndian.PutUint32(hash[4:8], uint32(n))
	for i := 8; i < 20; i++ {
		hash[i] = byte(i)
	}
	return hash
}

func syntheticPeerID(workerID int) [20]byte {
	var id [20]byte
	copy(id[0:8], "-TD0001-")
	binary.BigEndian.PutUint32(id[8:12], uint32(workerID))
	binary.BigEndian.PutUint32(id[12:16], uint32(time.Now().UnixNano()))
	return id
}

func (b *bench) report(elapsed time.Duration) {
	connects := b.counts.connects.Load()
	announces := b.counts.announces.Load()
	scrapes := b.counts.scrapes.Load()
	failures := b.counts.failures.Load()
	total := connects + announces + scrapes + failures

	fmt.Printf("\nduration    %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("workers     %d\n", b.opts.concurrency)
	fmt.Printf("requests    %d (%.0f/s)\n", total, float64(total)/elapsed.Seconds())
	fmt.Printf("connects    %d\n", connects)
	fmt.Printf("announces   %d\n", announces)
	fmt.Printf("scrapes     %d\n", scrapes)
	fmt.Printf("failures    %d\n", failures)

	if announces > 0 {
		min, p50, p95, p99, max := b.announce.quantiles()
		fmt.Printf("announce latency  min=%s p50=%s p95=%s p99=%s max=%s\n",
			min, p50, p95, p99, max)
	}
}

func main() {
	var opts options
	flag.StringVar(&opts.target, "target", "localhost:6969", "tracker address (host:port)")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "how long to run")
	flag.IntVar(&opts.concurrency, "concurrency", 100, "concurrent workers")
	flag.IntVar(&opts.perWorker, "rate", 0, "per-worker request rate (0 = unlimited)")
	flag.IntVar(&opts.hashes, "hashes", 5, "info hashes per worker")
	flag.IntVar(&opts.numWant, "numwant", 50, "peers to request per announce")
	flag.Parse()

	if opts.concurrency < 1 || opts.hashes < 1 {
		fmt.Fprintln(os.Stderr, "concurrency and hashes must be at least 1")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	b := &bench{opts: opts}
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.concurrency; i++ {
		i := i
		g.Go(func() error { return b.worker(ctx, i) })
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	b.report(time.Since(start))
}
