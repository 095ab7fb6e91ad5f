package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"replicated-log/internal/logger"
	"replicated-log/internal/replog"
	"replicated-log/internal/replog/metrics"
	"replicated-log/internal/replog/replication"
	"replicated-log/internal/replog/state_machine"
	"replicated-log/internal/replog/storage"
	"replicated-log/internal/replog/streams"
	"replicated-log/internal/replog/transport"
)

const demoLogID replog.LogID = 1

type demoOptions struct {
	entries      int
	writeConcern int
	partition    bool
	seed         uint64
	timeout      time.Duration
	verbose      bool
}

type demoEvent struct {
	Kind string `json:"kind"`
	Seq  int    `json:"seq"`
}

var (
	commandStream = streams.StreamDescriptor[state_machine.Command]{ID: "commands", Serializer: state_machine.CommandSerializer{}}
	eventStream   = streams.StreamDescriptor[demoEvent]{ID: "events", Serializer: streams.JSONSerializer[demoEvent]{}}
	noteStream    = streams.StreamDescriptor[string]{ID: "notes", Serializer: streams.StringSerializer{}}
)

func newDemoCommand() *cobra.Command {
	opts := demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a three participant cluster in this process and replicate a multiplexed log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.entries <= 0 {
				return errors.New("--entries must be positive")
			}
			if opts.partition && opts.writeConcern > 2 {
				return errors.New("--partition needs a write concern of at most 2, one follower is cut off")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return runDemo(ctx, cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().IntVarP(&opts.entries, "entries", "n", 60, "number of values to insert")
	cmd.Flags().IntVar(&opts.writeConcern, "write-concern", 2, "number of participants that must persist an entry")
	cmd.Flags().BoolVar(&opts.partition, "partition", true, "cut off one follower for the middle third of the inserts")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "seed of the generated values")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up after this long")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	return cmd
}

type demoParticipant struct {
	id    replog.ParticipantID
	store *storage.Store
	log   *replication.Log
	demux *streams.Demultiplexer
	kv    *state_machine.KVStateMachine
}

func (p *demoParticipant) close() error {
	if p.demux != nil {
		p.demux.Close()
	}
	var err error
	if p.log != nil {
		err = p.log.Close()
	}
	return multierr.Append(err, p.store.Close())
}

type demoCluster struct {
	network      *transport.Network
	participants []*demoParticipant
	recorder     *metrics.Recorder
}

func (c *demoCluster) leader() *demoParticipant {
	return c.participants[0]
}

func (c *demoCluster) close() error {
	var err error
	for _, p := range c.participants {
		err = multierr.Append(err, p.close())
	}
	return err
}

func newDemoCluster(dir string, writeConcern int, log *zap.Logger) (_ *demoCluster, err error) {
	c := &demoCluster{
		network:  transport.NewNetwork(),
		recorder: metrics.NewRecorder(),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, c.close())
		}
	}()

	ids := []replog.ParticipantID{"a", "b", "c"}
	for i, id := range ids {
		store, err := storage.NewBboltStore(filepath.Join(dir, string(id)+".db"), storage.Options{NoSync: true}, log)
		if err != nil {
			return nil, err
		}
		p := &demoParticipant{id: id, store: store}
		c.participants = append(c.participants, p)

		opts := replication.Options{Logger: log, MaxEntriesPerRequest: 16}
		if i == 0 {
			opts.Metrics = c.recorder
		}
		if p.log, err = replication.NewLog(id, store.Log(demoLogID), c.network.Endpoint(id), opts); err != nil {
			return nil, err
		}
		c.network.Register(id, p.log)
		p.demux = streams.NewDemultiplexer(p.log, log)
		p.kv = state_machine.NewKVStateMachine(log)
	}

	leader := c.leader()
	clk := clock.New()
	go replication.NewOrchestrator(leader.log, replication.Backoff{Base: 10 * time.Millisecond, Max: 100 * time.Millisecond}, clk).Run()
	go replication.NewHeartbeatJob(leader.log, 20*time.Millisecond, clk).Run()

	for _, p := range c.participants[1:] {
		if err := p.log.BecomeFollower(1, leader.id); err != nil {
			return nil, err
		}
	}
	err = leader.log.BecomeLeader(1, replog.LogConfiguration{
		LeaderID:     leader.id,
		Followers:    ids[1:],
		WriteConcern: writeConcern,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func runDemo(ctx context.Context, w io.Writer, opts demoOptions) (err error) {
	logCfg := logger.NewConfig()
	logCfg.Format = "console"
	logCfg.Level = zapcore.WarnLevel
	if opts.verbose {
		logCfg.Level = zapcore.DebugLevel
	}
	log, err := logger.New(os.Stderr, logCfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	dir, err := os.MkdirTemp("", "replogd-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	cluster, err := newDemoCluster(dir, opts.writeConcern, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, cluster.close()) }()

	banner(w, "Replicated log demo")
	fmt.Fprintf(w, "leader a, followers b and c, write concern %d\n\n", opts.writeConcern)

	// Every participant applies the commands stream to its own key/value store
	followCtx, stopFollowing := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(followCtx)
	for _, p := range cluster.participants {
		commands, err := streams.ConsumerFor(p.demux, commandStream)
		if err != nil {
			stopFollowing()
			return err
		}
		g.Go(func() error {
			err := state_machine.Follow(gctx, p.kv, commands)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	defer func() {
		stopFollowing()
		err = multierr.Append(err, g.Wait())
	}()

	counts, err := produce(ctx, w, cluster, opts)
	if err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Waiting for every participant to catch up...")
	for _, p := range cluster.participants {
		if err := catchUp(ctx, p, counts); err != nil {
			return fmt.Errorf("participant %s: %w", p.id, err)
		}
	}

	printParticipants(w, cluster)
	if err := printStreams(w, cluster.participants[2]); err != nil {
		return err
	}
	printStores(w, cluster)

	banner(w, "Leader metrics")
	cluster.recorder.Report().Print(w)
	return nil
}

// produce inserts opts.entries random values over the three streams and waits for each to commit. It returns the
// number of values per stream.
func produce(ctx context.Context, w io.Writer, c *demoCluster, opts demoOptions) (map[streams.StreamID]uint64, error) {
	mux, err := streams.NewMultiplexer(c.leader().log, commandStream.ID, eventStream.ID, noteStream.ID)
	if err != nil {
		return nil, err
	}
	commands, err := streams.ProducerFor(mux, commandStream)
	if err != nil {
		return nil, err
	}
	events, err := streams.ProducerFor(mux, eventStream)
	if err != nil {
		return nil, err
	}
	notes, err := streams.ProducerFor(mux, noteStream)
	if err != nil {
		return nil, err
	}

	banner(w, "Inserting")
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed))
	counts := make(map[streams.StreamID]uint64)
	cutOff := c.participants[2].id

	for i := 0; i < opts.entries; i++ {
		if opts.partition && i == opts.entries/3 {
			fmt.Fprintf(w, "-- participant %s is cut off\n", cutOff)
			c.network.Partition(cutOff, true)
		}
		if opts.partition && i == 2*opts.entries/3 {
			fmt.Fprintf(w, "-- participant %s is reachable again\n", cutOff)
			c.network.Partition(cutOff, false)
		}

		var (
			index  replog.LogIndex
			stream streams.StreamID
			f      *replog.Future[replication.WaitForResult]
			err    error
		)
		switch n := rng.IntN(10); {
		case n < 6:
			key := "key-" + strconv.Itoa(rng.IntN(8))
			cmd := state_machine.Set(key, strconv.Itoa(i))
			if n == 0 {
				cmd = state_machine.Del(key)
			}
			stream = commands.ID()
			index, f, err = commands.InsertAndWait(ctx, cmd)
		case n < 8:
			stream = events.ID()
			index, f, err = events.InsertAndWait(ctx, demoEvent{Kind: "tick", Seq: i})
		default:
			stream = notes.ID()
			index, f, err = notes.InsertAndWait(ctx, fmt.Sprintf("note %d", i))
		}
		if err != nil {
			return nil, err
		}
		res, err := f.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for index %d: %w", index, err)
		}
		counts[stream]++
		fmt.Fprintf(w, "[%3d] %-8s index %3d committed (commit index %d)\n", i+1, stream, index, res.CommitIndex)
	}
	return counts, nil
}

func catchUp(ctx context.Context, p *demoParticipant, counts map[streams.StreamID]uint64) error {
	for id, n := range counts {
		stream, err := streams.ConsumerFor(p.demux, streams.StreamDescriptor[[]byte]{ID: id, Serializer: streams.BytesSerializer{}})
		if err != nil {
			return err
		}
		if _, err := stream.WaitFor(ctx, n).Get(ctx); err != nil {
			return fmt.Errorf("stream %s: %w", id, err)
		}
	}

	want := counts[commandStream.ID]
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for p.kv.Applied() < want {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func printParticipants(w io.Writer, c *demoCluster) {
	banner(w, "Participants")
	for _, p := range c.participants {
		s := p.log.Status()
		fmt.Fprintf(w, "%s: %-8s term %d  commit %d  persisted %d  applied %d  malformed %d\n",
			p.id, s.Role, s.Term, s.CommitIndex, s.PersistedIndex, p.demux.Applied(), p.demux.Malformed())
		for _, f := range s.Followers {
			fmt.Fprintf(w, "   follower %s: match %d  next %d\n", f.ID, f.MatchIndex, f.NextIndex)
		}
	}
}

// printStreams prints the contents of every stream as seen by p.
func printStreams(w io.Writer, p *demoParticipant) error {
	banner(w, fmt.Sprintf("Streams on participant %s", p.id))

	commands, err := streams.ConsumerFor(p.demux, commandStream)
	if err != nil {
		return err
	}
	events, err := streams.ConsumerFor(p.demux, eventStream)
	if err != nil {
		return err
	}
	notes, err := streams.ConsumerFor(p.demux, noteStream)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s (%d):\n", commands.ID(), commands.Len())
	it := commands.Iterator()
	for cmd, pos, ok := it.Next(); ok; cmd, pos, ok = it.Next() {
		fmt.Fprintf(w, "  %3d @%-3d %s\n", pos.SubIndex, pos.Index, cmd)
	}
	if err := it.Err(); err != nil {
		return err
	}

	evs, err := events.Iterator().Collect()
	if err != nil {
		return err
	}
	seqs := make([]int, 0, len(evs))
	for _, e := range evs {
		seqs = append(seqs, e.Seq)
	}
	fmt.Fprintf(w, "%s (%d): seq %v\n", events.ID(), len(evs), seqs)

	ns, err := notes.Iterator().Collect()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s (%d): %q\n", notes.ID(), len(ns), ns)
	return nil
}

func printStores(w io.Writer, c *demoCluster) {
	banner(w, "Key/value stores")
	reference := c.leader().kv.Snapshot()
	for _, k := range slices.Sorted(maps.Keys(reference)) {
		fmt.Fprintf(w, "%s = %s\n", k, reference[k])
	}
	fmt.Fprintln(w)
	for _, p := range c.participants {
		mark := "✓ identical to the leader"
		if !maps.Equal(p.kv.Snapshot(), reference) {
			mark = "✗ diverged"
		}
		fmt.Fprintf(w, "%s: %d keys, applied %d commands  %s\n", p.id, p.kv.Len(), p.kv.Applied(), mark)
	}
}

func banner(w io.Writer, title string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "========================================")
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, "========================================")
}
