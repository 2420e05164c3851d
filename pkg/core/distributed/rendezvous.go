// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed implements the rendezvous of the processes (ranks) of a multi-process training run.
//
// Each rank trains on its own shard of the data (see datasets.Distributed) on the device selected by
// Group.DeviceIndex. Ranks only synchronize at start-up: Rendezvous blocks until all WorldSize ranks registered.
//
// The only supported rendezvous method is a shared file, given as a `file://<path>` URL:
//
//	group, err := distributed.Rendezvous(ctx, distributed.Config{
//		URL: "file:///shared/sync.file", Backend: "nccl", WorldSize: 2, Rank: rank})
//	if err != nil { klog.Fatalf("%+v", err) }
//	defer group.Leave()
package distributed

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultTimeout for all ranks to register.
	DefaultTimeout = 5 * time.Minute

	// DefaultPollInterval between checks of the rendezvous file.
	DefaultPollInterval = 100 * time.Millisecond

	// LockSuffix is appended to the rendezvous file path to name its lock file.
	LockSuffix = ".lock"
)

var (
	// ErrTimeout is returned when not all ranks registered within the timeout.
	ErrTimeout = errors.New("rendezvous timed out")

	// ErrUnsupportedURL is returned for rendezvous URLs with a scheme other than "file".
	ErrUnsupportedURL = errors.New("unsupported rendezvous URL")
)

// Config of the rendezvous.
type Config struct {
	// URL of the rendezvous, only `file://<path>` is supported.
	URL string

	// Backend name of the collective communications library. It is only recorded.
	Backend string

	// WorldSize is the total number of ranks, and Rank the index of this process, in [0, WorldSize).
	WorldSize, Rank int

	// Timeout for all ranks to register. Defaults to DefaultTimeout if 0.
	Timeout time.Duration

	// PollInterval between checks of the rendezvous file. Defaults to DefaultPollInterval if 0.
	PollInterval time.Duration
}

// Validate returns an error if the configuration is invalid.
func (cfg Config) Validate() error {
	if cfg.WorldSize < 1 {
		return errors.Errorf("world size must be >= 1, got %d", cfg.WorldSize)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return errors.Errorf("rank %d out of range for world size %d", cfg.Rank, cfg.WorldSize)
	}
	return nil
}

// Group of ranks that completed the rendezvous.
type Group struct {
	backend         string
	worldSize, rank int
	session         string
	path            string
	lock            *flock.Flock
}

// Rank of this process.
func (g *Group) Rank() int { return g.rank }

// WorldSize is the number of ranks in the group.
func (g *Group) WorldSize() int { return g.worldSize }

// Backend name given in the configuration.
func (g *Group) Backend() string { return g.backend }

// Session identifies the run: it is shared by all ranks of the group.
func (g *Group) Session() string { return g.session }

// IsMain returns whether this is rank 0, the one responsible for logs and checkpoints.
func (g *Group) IsMain() bool { return g.rank == 0 }

// Distributed returns whether there is more than one rank.
func (g *Group) Distributed() bool { return g.worldSize > 1 }

// DeviceIndex returns the index of the device this rank should use, given the number of local devices.
func (g *Group) DeviceIndex(numDevices int) int { return DeviceIndex(g.rank, numDevices) }

// DeviceIndex assigns ranks to the local devices round-robin.
func DeviceIndex(rank, numDevices int) int {
	if numDevices <= 0 {
		return 0
	}
	return rank % numDevices
}

// String implements fmt.Stringer.
func (g *Group) String() string {
	return fmt.Sprintf("rank %d/%d (backend=%q, session=%s)", g.rank, g.worldSize, g.backend, g.session)
}

// Rendezvous registers this rank and blocks until all ranks of the world registered, the timeout expires or the
// context is cancelled.
//
// With a world size of 1 the URL is not used and it returns immediately.
func Rendezvous(ctx context.Context, cfg Config) (*Group, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Group{backend: cfg.Backend, worldSize: cfg.WorldSize, rank: cfg.Rank}
	if cfg.WorldSize == 1 {
		g.session = uuid.NewString()
		return g, nil
	}
	path, err := filePath(cfg.URL)
	if err != nil {
		return nil, err
	}
	g.path = path
	g.lock = flock.New(path + LockSuffix)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := g.register(ctx, cfg.PollInterval); err != nil {
		return nil, err
	}
	klog.V(1).Infof("distributed: %s registered in %q, waiting for %d ranks", g, path, cfg.WorldSize)
	if err := g.wait(ctx, cfg); err != nil {
		if withdrawErr := g.withdraw(cfg.PollInterval); withdrawErr != nil {
			klog.Errorf("distributed: %+v", withdrawErr)
		}
		return nil, err
	}
	return g, nil
}

// wait polls the rendezvous file until all ranks registered.
func (g *Group) wait(ctx context.Context, cfg Config) error {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		state, err := g.read(ctx, cfg.PollInterval)
		if err != nil {
			return err
		}
		if len(state.ranks) >= g.worldSize {
			klog.Infof("distributed: %s ready", g)
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.Wrapf(ErrTimeout, "%s: only %d of %d ranks registered after %s",
					g, len(state.ranks), g.worldSize, cfg.Timeout)
			}
			return errors.Wrapf(ctx.Err(), "%s: rendezvous interrupted", g)
		case <-ticker.C:
		}
	}
}

// filePath extracts the path of a `file://` URL.
func filePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "failed to parse rendezvous URL %q", rawURL)
	}
	if u.Scheme != "file" {
		return "", errors.Wrapf(ErrUnsupportedURL, "%q: only file://<path> is supported", rawURL)
	}
	// "file://sync.file" parses "sync.file" as the host: it is taken as a relative path.
	path := u.Host + u.Path
	if path == "" {
		return "", errors.Wrapf(ErrUnsupportedURL, "%q: missing file path", rawURL)
	}
	return filepath.Clean(path), nil
}

// fileState is the parsed content of the rendezvous file.
type fileState struct {
	session string
	ranks   map[int]bool
	left    map[int]bool
}

func parseFile(path string) (*fileState, error) {
	state := &fileState{ranks: make(map[int]bool), left: make(map[int]bool)}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open rendezvous file %q", path)
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, errors.Errorf("rendezvous file %q line %d: malformed record %q", path, lineNum, scanner.Text())
		}
		if fields[0] == "session" {
			state.session = fields[1]
			continue
		}
		rank, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "rendezvous file %q line %d", path, lineNum)
		}
		switch fields[0] {
		case "rank":
			state.ranks[rank] = true
		case "leave":
			state.left[rank] = true
		default:
			return nil, errors.Errorf("rendezvous file %q line %d: unknown record %q", path, lineNum, fields[0])
		}
	}
	return state, errors.Wrapf(scanner.Err(), "failed to read rendezvous file %q", path)
}

func (g *Group) lockFile(ctx context.Context, pollInterval time.Duration, shared bool) error {
	var locked bool
	var err error
	if shared {
		locked, err = g.lock.TryRLockContext(ctx, pollInterval)
	} else {
		locked, err = g.lock.TryLockContext(ctx, pollInterval)
	}
	if err == nil && !locked {
		err = errors.New("lock not acquired")
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.Wrapf(ErrTimeout, "%s: failed to lock %q", g, g.lock.Path())
		}
		return errors.Wrapf(err, "%s: failed to lock %q", g, g.lock.Path())
	}
	return nil
}

func (g *Group) unlock() {
	if err := g.lock.Unlock(); err != nil {
		klog.Errorf("distributed: failed to unlock %q: %+v", g.lock.Path(), err)
	}
}

// register appends this rank to the rendezvous file. The first rank to register also creates the session.
func (g *Group) register(ctx context.Context, pollInterval time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return errors.Wrapf(err, "%s: failed to create directory for %q", g, g.path)
	}
	if err := g.lockFile(ctx, pollInterval, false); err != nil {
		return err
	}
	defer g.unlock()
	state, err := parseFile(g.path)
	if err != nil {
		return err
	}
	if state.ranks[g.rank] {
		return errors.Errorf("%s: rank %d already registered in %q, is the file left over from a previous run?",
			g, g.rank, g.path)
	}
	for rank := range state.ranks {
		if rank >= g.worldSize {
			return errors.Errorf("%s: rank %d registered in %q is out of range for world size %d",
				g, rank, g.path, g.worldSize)
		}
	}
	var records string
	if state.session == "" {
		state.session = uuid.NewString()
		records = "session " + state.session + "\n"
	}
	records += fmt.Sprintf("rank %d\n", g.rank)
	f, err := os.OpenFile(g.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open rendezvous file %q", g, g.path)
	}
	_, err = f.WriteString(records)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "%s: failed to register in %q", g, g.path)
	}
	g.session = state.session
	return nil
}

func (g *Group) read(ctx context.Context, pollInterval time.Duration) (*fileState, error) {
	if err := g.lockFile(ctx, pollInterval, true); err != nil {
		return nil, err
	}
	defer g.unlock()
	return parseFile(g.path)
}

// withdraw removes the registration of this rank after a failed rendezvous, so that a new run can register it
// again. The file is removed if no other rank remains registered.
func (g *Group) withdraw(pollInterval time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := g.lockFile(ctx, pollInterval, false); err != nil {
		return err
	}
	defer g.unlock()
	data, err := os.ReadFile(g.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "%s: failed to read rendezvous file %q", g, g.path)
	}
	own := fmt.Sprintf("rank %d", g.rank)
	var kept []string
	numRanks := 0
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.Join(fields, " ") == own {
			continue
		}
		if fields[0] == "rank" {
			numRanks++
		}
		kept = append(kept, line)
	}
	if numRanks == 0 {
		if err := os.Remove(g.path); err != nil {
			return errors.Wrapf(err, "%s: failed to remove rendezvous file %q", g, g.path)
		}
		_ = os.Remove(g.lock.Path())
		return nil
	}
	err = os.WriteFile(g.path, []byte(strings.Join(kept, "\n")+"\n"), 0o644)
	return errors.Wrapf(err, "%s: failed to withdraw from %q", g, g.path)
}

// Leave the group: the last rank to leave removes the rendezvous file, so it can be reused by the next run.
// It is a no-op for a world size of 1.
func (g *Group) Leave() error {
	if g.lock == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := g.lockFile(ctx, DefaultPollInterval, false); err != nil {
		return err
	}
	defer g.unlock()
	state, err := parseFile(g.path)
	if err != nil {
		return err
	}
	state.left[g.rank] = true
	if len(state.left) >= g.worldSize {
		if err := os.Remove(g.path); err != nil {
			return errors.Wrapf(err, "%s: failed to remove rendezvous file %q", g, g.path)
		}
		_ = os.Remove(g.lock.Path())
		klog.V(1).Infof("distributed: %s removed %q", g, g.path)
		return nil
	}
	f, err := os.OpenFile(g.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open rendezvous file %q", g, g.path)
	}
	_, err = fmt.Fprintf(f, "leave %d\n", g.rank)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "%s: failed to leave %q", g, g.path)
}
