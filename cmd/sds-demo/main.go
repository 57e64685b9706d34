// Command sds-demo wires two in-process reliability.Managers together over
// an in-memory lossy pipe, to demonstrate causal delivery and missing-
// dependency detection without any real transport. Each frame is sent once
// and never resent, and the run ends long before the default sweep interval,
// so duplicate suppression and retry aging do not come into play. It mirrors the
// teacher's small standalone cmd-style mains: flag parsing, a
// charmbracelet/log logger, and a --version flag backed by
// carlmjohnson/versioninfo.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/log"

	"github.com/waku-org/go-sds/reliability"
	"github.com/waku-org/go-sds/sink"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "print version information and exit")
		dropRate    = flag.Float64("drop-rate", 0.2, "fraction of frames the simulated pipe drops in transit")
		messages    = flag.Int("messages", 20, "number of messages alice sends to bob")
		seed        = flag.Int64("seed", 1, "PRNG seed for the simulated lossy pipe")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(versioninfo.Short())
		return
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	logger.SetLevel(log.DebugLevel)

	channelID := []byte("sds-demo-channel")

	aliceSink := &loggingSink{logger: logger.With("peer", "alice")}
	bobSink := &loggingSink{logger: logger.With("peer", "bob")}

	alice, err := reliability.NewManager(channelID, reliability.DefaultConfig(), aliceSink)
	if err != nil {
		logger.Fatal("failed to construct alice", "err", err)
	}
	bob, err := reliability.NewManager(channelID, reliability.DefaultConfig(), bobSink)
	if err != nil {
		logger.Fatal("failed to construct bob", "err", err)
	}

	alice.StartPeriodicTasks()
	bob.StartPeriodicTasks()
	defer func() {
		alice.Halt()
		bob.Halt()
		alice.Wait()
		bob.Wait()
	}()

	rng := rand.New(rand.NewSource(*seed))
	pipe := &lossyPipe{dropRate: *dropRate, rng: rng}

	for i := 0; i < *messages; i++ {
		payload := []byte(fmt.Sprintf("message %d", i))
		msgID := []byte(fmt.Sprintf("alice-%d", i))

		frame, err := alice.WrapOutgoing(payload, msgID)
		if err != nil {
			logger.Error("wrap failed", "err", err)
			continue
		}

		if pipe.shouldDeliver() {
			if _, _, err := bob.UnwrapIncoming(frame); err != nil {
				logger.Error("unwrap failed", "err", err)
			}
		} else {
			logger.Debug("pipe dropped frame", "messageId", string(msgID))
		}

		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(200 * time.Millisecond)
	logger.Info("final stats", "alice", alice.Stats(), "bob", bob.Stats())
}

// lossyPipe simulates an unordered, lossy pub/sub network: it only decides
// whether a frame is delivered at all and never reorders frames.
type lossyPipe struct {
	dropRate float64
	rng      *rand.Rand
}

func (p *lossyPipe) shouldDeliver() bool {
	return p.rng.Float64() >= p.dropRate
}

// loggingSink logs every Manager event at debug level, standing in for a
// real embedder's UI/storage layer.
type loggingSink struct {
	logger *log.Logger
}

func (s *loggingSink) MessageReady(id []byte) {
	s.logger.Debug("message ready", "messageId", string(id))
}

func (s *loggingSink) MessageSent(id []byte) {
	s.logger.Debug("message sent/acked", "messageId", string(id))
}

func (s *loggingSink) MissingDependencies(id []byte, ids [][]byte) {
	deps := make([]string, len(ids))
	for i, d := range ids {
		deps[i] = string(d)
	}
	s.logger.Debug("missing dependencies", "messageId", string(id), "deps", deps)
}

func (s *loggingSink) PeriodicSync() {
	s.logger.Debug("periodic sync")
}

var _ sink.EventSink = (*loggingSink)(nil)
