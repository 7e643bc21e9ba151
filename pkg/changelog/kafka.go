// Package changelog reads order changes from a Kafka topic for LOG_BASED
// replication. The continuation token is the next offset to read on every
// partition of the topic.
package changelog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/extract"
)

// Position maps each partition to the next offset to read.
type Position map[int32]int64

// Encode renders the position as a continuation token.
func (p Position) Encode() string {
	out := make(map[string]int64, len(p))
	for partition, offset := range p {
		out[strconv.Itoa(int(partition))] = offset
	}
	data, _ := json.Marshal(out)
	return string(data)
}

func (p Position) clone() Position {
	out := make(Position, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// DecodePosition parses a continuation token.
func DecodePosition(token string) (Position, error) {
	var raw map[string]int64
	if err := json.Unmarshal([]byte(token), &raw); err != nil {
		return nil, fmt.Errorf("invalid change log position %q: %w", token, err)
	}
	pos := make(Position, len(raw))
	for k, v := range raw {
		partition, err := strconv.ParseInt(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid partition %q in change log position", k)
		}
		if v < 0 {
			return nil, fmt.Errorf("invalid offset %d for partition %s", v, k)
		}
		pos[int32(partition)] = v
	}
	return pos, nil
}

// offsetClient is the part of sarama.Client used to locate offsets.
type offsetClient interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Close() error
}

// Kafka is a change log over one Kafka topic. Each message value is a JSON
// document describing the changed order.
type Kafka struct {
	topic       string
	client      offsetClient
	consumer    sarama.Consumer
	pollTimeout time.Duration
	logger      *zap.Logger
}

// NewKafka connects to the brokers of cfg.
func NewKafka(cfg config.ChangeLogConfig, logger *zap.Logger) (*Kafka, error) {
	client, err := sarama.NewClient(cfg.Brokers, buildSaramaConfig(cfg))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to kafka")
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create kafka consumer")
	}
	return newKafka(cfg.Topic, client, consumer, cfg.PollTimeout, logger), nil
}

func newKafka(topic string, client offsetClient, consumer sarama.Consumer, pollTimeout time.Duration, logger *zap.Logger) *Kafka {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &Kafka{
		topic:       topic,
		client:      client,
		consumer:    consumer,
		pollTimeout: pollTimeout,
		logger:      logger.With(zap.String("component", "changelog"), zap.String("topic", topic)),
	}
}

var _ extract.ChangeLog = (*Kafka)(nil)

func (k *Kafka) partitions() ([]int32, error) {
	partitions, err := k.client.Partitions(k.topic)
	if err != nil {
		return nil, errors.Transient(err, "failed to list partitions")
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return partitions, nil
}

func (k *Kafka) offset(partition int32, at int64) (int64, error) {
	off, err := k.client.GetOffset(k.topic, partition, at)
	if err != nil {
		return 0, errors.Transient(err, "failed to read partition offset").WithDetail("partition", partition)
	}
	return off, nil
}

// Head returns a token positioned after the last message of every partition.
func (k *Kafka) Head(ctx context.Context) (string, error) {
	partitions, err := k.partitions()
	if err != nil {
		return "", err
	}
	pos := make(Position, len(partitions))
	for _, p := range partitions {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		newest, err := k.offset(p, sarama.OffsetNewest)
		if err != nil {
			return "", err
		}
		pos[p] = newest
	}
	return pos.Encode(), nil
}

// ReadChanges returns up to limit messages after position, partition by
// partition. A partition missing from the position, one created after the
// token was issued, is read from its oldest retained offset. A position older
// than the retained log is an expired cursor.
func (k *Kafka) ReadChanges(ctx context.Context, position string, limit int) ([]extract.Change, error) {
	pos, err := DecodePosition(position)
	if err != nil {
		return nil, errors.ExpiredCursor(err, "unusable change log position")
	}
	partitions, err := k.partitions()
	if err != nil {
		return nil, err
	}

	var changes []extract.Change
	for _, p := range partitions {
		remaining := limit - len(changes)
		if remaining <= 0 {
			break
		}
		oldest, err := k.offset(p, sarama.OffsetOldest)
		if err != nil {
			return nil, err
		}
		newest, err := k.offset(p, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}

		next, ok := pos[p]
		if !ok {
			next = oldest
		}
		if next < oldest {
			return nil, errors.ExpiredCursor(nil, "change log position is no longer retained").
				WithDetail("partition", p).
				WithDetail("offset", next).
				WithDetail("oldest", oldest)
		}
		if next >= newest {
			continue
		}

		msgs, err := k.readPartition(ctx, p, next, min(newest, next+int64(remaining)))
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			var data map[string]interface{}
			if err := json.Unmarshal(msg.Value, &data); err != nil {
				return nil, errors.FatalExtraction(err, "change message is not a JSON object").
					WithDetail("partition", p).
					WithDetail("offset", msg.Offset)
			}
			pos[p] = msg.Offset + 1
			changes = append(changes, extract.Change{Data: data, Position: pos.clone().Encode()})
		}
	}

	k.logger.Debug("read changes", zap.Int("count", len(changes)))
	return changes, nil
}

// readPartition reads messages of one partition in [from, end). It returns
// early with what it has when nothing arrives within the poll timeout.
func (k *Kafka) readPartition(ctx context.Context, partition int32, from, end int64) ([]*sarama.ConsumerMessage, error) {
	pc, err := k.consumer.ConsumePartition(k.topic, partition, from)
	if err != nil {
		if errors.Is(err, sarama.ErrOffsetOutOfRange) {
			return nil, errors.ExpiredCursor(err, "change log position is no longer retained").
				WithDetail("partition", partition)
		}
		return nil, errors.Transient(err, "failed to consume partition").WithDetail("partition", partition)
	}
	defer func() {
		if err := pc.Close(); err != nil {
			k.logger.Debug("partition consumer close", zap.Int32("partition", partition), zap.Error(err))
		}
	}()

	msgs := make([]*sarama.ConsumerMessage, 0, end-from)
	timer := time.NewTimer(k.pollTimeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-pc.Messages():
			if !ok {
				return msgs, nil
			}
			msgs = append(msgs, msg)
			if msg.Offset+1 >= end {
				return msgs, nil
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(k.pollTimeout)
		case cerr, ok := <-pc.Errors():
			if !ok {
				continue
			}
			if errors.Is(cerr.Err, sarama.ErrOffsetOutOfRange) {
				return nil, errors.ExpiredCursor(cerr, "change log position is no longer retained").
					WithDetail("partition", partition)
			}
			return nil, errors.Transient(cerr, "partition consumer failed").WithDetail("partition", partition)
		case <-timer.C:
			k.logger.Debug("poll timeout", zap.Int32("partition", partition), zap.Int("read", len(msgs)))
			return msgs, nil
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "change log read interrupted")
		}
	}
}

// Close releases the consumer and the client.
func (k *Kafka) Close() error {
	var errs []error
	if k.consumer != nil {
		if err := k.consumer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if k.client != nil {
		if err := k.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
