// Command publish-ownership sends one ownership-change event to the
// invalidation topic.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/grid-content-cache/internal/invalidation"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	brokers := flag.String("brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "Comma-separated broker list")
	topic := flag.String("topic", getenv("KAFKA_TOPIC", "ownership-changes"), "Topic")
	op := flag.String("op", invalidation.OpTransfer, "transfer|create|remove")
	x := flag.Int64("x", 0, "Cell x")
	y := flag.Int64("y", 0, "Cell y")
	addr := flag.String("address", "", "Content address (instead of x,y)")
	seq := flag.Uint64("seq", 0, "Sequence number; 0 disables ordering checks")
	owner := flag.String("owner", "", "New owner")
	flag.Parse()

	if err := publish(splitBrokers(*brokers), *topic, buildEvent(*op, *x, *y, *addr, *seq, *owner)); err != nil {
		fmt.Fprintln(os.Stderr, "publish:", err)
		os.Exit(1)
	}
}

func buildEvent(op string, x, y int64, addr string, seq uint64, owner string) invalidation.Event {
	ev := invalidation.Event{
		Version: 1,
		Op:      op,
		TS:      time.Now().UTC(),
		Seq:     seq,
		Owner:   owner,
	}
	if addr != "" {
		ev.Address = addr
	} else {
		ev.X, ev.Y = &x, &y
	}
	return ev
}

func publish(brokers []string, topic string, ev invalidation.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("event: %w", err)
	}
	target, err := ev.Target()
	if err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Version = sarama.V2_5_0_0
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	// keyed by address so one cell's events stay ordered on one partition
	part, off, err := prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(target.String()),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	fmt.Printf("published %s for %s to %s[%d]@%d\n", ev.Op, target.Short(), topic, part, off)
	return nil
}

func splitBrokers(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
