package changelog

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tap-salesforce/pkg/config"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
)

const topic = "order-changes"

type fakeOffsets struct {
	partitions []int32
	oldest     map[int32]int64
	newest     map[int32]int64
	err        error
}

func (f *fakeOffsets) Partitions(string) ([]int32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]int32(nil), f.partitions...), nil
}

func (f *fakeOffsets) GetOffset(_ string, partition int32, at int64) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if at == sarama.OffsetOldest {
		return f.oldest[partition], nil
	}
	return f.newest[partition], nil
}

func (f *fakeOffsets) Close() error { return nil }

func testConsumer(t *testing.T) *mocks.Consumer {
	return mocks.NewConsumer(t, buildSaramaConfig(config.ChangeLogConfig{ClientID: "test"}))
}

func message(offset int64, value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Offset: offset, Value: []byte(value)}
}

func TestPositionCodec(t *testing.T) {
	pos := Position{1: 7, 0: 5}
	assert.Equal(t, `{"0":5,"1":7}`, pos.Encode())

	decoded, err := DecodePosition(`{"0":5,"1":7}`)
	require.NoError(t, err)
	assert.Equal(t, pos, decoded)

	for _, bad := range []string{"", "{oops", `{"zero":1}`, `{"0":-1}`} {
		_, err := DecodePosition(bad)
		assert.Error(t, err, bad)
	}
}

func TestHead(t *testing.T) {
	offsets := &fakeOffsets{
		partitions: []int32{1, 0},
		newest:     map[int32]int64{0: 10, 1: 3},
	}
	k := newKafka(topic, offsets, testConsumer(t), time.Second, nil)

	head, err := k.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"0":10,"1":3}`, head)
}

func TestHeadBrokerFailure(t *testing.T) {
	k := newKafka(topic, &fakeOffsets{err: sarama.ErrOutOfBrokers}, testConsumer(t), time.Second, nil)

	_, err := k.Head(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestReadChanges(t *testing.T) {
	offsets := &fakeOffsets{
		partitions: []int32{0, 1},
		oldest:     map[int32]int64{0: 0, 1: 2},
		newest:     map[int32]int64{0: 10, 1: 3},
	}
	consumer := testConsumer(t)
	consumer.ExpectConsumePartition(topic, 0, 8).
		YieldMessage(message(8, `{"order_no":"A"}`)).
		YieldMessage(message(9, `{"order_no":"B"}`))
	consumer.ExpectConsumePartition(topic, 1, 2).
		YieldMessage(message(2, `{"order_no":"C"}`))

	k := newKafka(topic, offsets, consumer, time.Second, nil)
	changes, err := k.ReadChanges(context.Background(), `{"0":8}`, 10)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	assert.Equal(t, "A", changes[0].Data["order_no"])
	assert.Equal(t, `{"0":9}`, changes[0].Position)
	assert.Equal(t, `{"0":10}`, changes[1].Position)
	assert.Equal(t, "C", changes[2].Data["order_no"])
	assert.Equal(t, `{"0":10,"1":3}`, changes[2].Position)
}

func TestReadChangesLimit(t *testing.T) {
	offsets := &fakeOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 10},
	}
	consumer := testConsumer(t)
	consumer.ExpectConsumePartition(topic, 0, 8).
		YieldMessage(message(8, `{"order_no":"A"}`)).
		YieldMessage(message(9, `{"order_no":"B"}`))

	k := newKafka(topic, offsets, consumer, time.Second, nil)
	changes, err := k.ReadChanges(context.Background(), `{"0":8}`, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, `{"0":9}`, changes[0].Position)
}

func TestReadChangesCaughtUp(t *testing.T) {
	offsets := &fakeOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 10},
	}
	k := newKafka(topic, offsets, testConsumer(t), time.Second, nil)

	changes, err := k.ReadChanges(context.Background(), `{"0":10}`, 5)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestReadChangesPollTimeout(t *testing.T) {
	offsets := &fakeOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 10},
	}
	consumer := testConsumer(t)
	consumer.ExpectConsumePartition(topic, 0, 8).YieldMessage(message(8, `{"order_no":"A"}`))

	k := newKafka(topic, offsets, consumer, 20*time.Millisecond, nil)
	changes, err := k.ReadChanges(context.Background(), `{"0":8}`, 5)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestReadChangesExpired(t *testing.T) {
	offsets := &fakeOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 5},
		newest:     map[int32]int64{0: 10},
	}
	k := newKafka(topic, offsets, testConsumer(t), time.Second, nil)

	_, err := k.ReadChanges(context.Background(), `{"0":1}`, 5)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExpiredCursor))

	_, err = k.ReadChanges(context.Background(), "not a token", 5)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExpiredCursor))
}

func TestReadChangesOffsetOutOfRange(t *testing.T) {
	offsets := &fakeOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 10},
	}
	consumer := testConsumer(t)
	consumer.ExpectConsumePartition(topic, 0, 8).YieldError(sarama.ErrOffsetOutOfRange)

	k := newKafka(topic, offsets, consumer, time.Second, nil)
	_, err := k.ReadChanges(context.Background(), `{"0":8}`, 5)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExpiredCursor))
}

func TestReadChangesRejectsNonJSON(t *testing.T) {
	offsets := &fakeOffsets{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 1},
	}
	consumer := testConsumer(t)
	consumer.ExpectConsumePartition(topic, 0, 0).YieldMessage(message(0, "<order/>"))

	k := newKafka(topic, offsets, consumer, time.Second, nil)
	_, err := k.ReadChanges(context.Background(), `{}`, 5)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExtraction))
}

func TestBuildSaramaConfig(t *testing.T) {
	sc := buildSaramaConfig(config.ChangeLogConfig{
		ClientID:      "tap",
		SASLMechanism: "SCRAM-SHA-512",
		SASLUsername:  "user",
		SASLPassword:  "secret",
		EnableTLS:     true,
	})
	require.NoError(t, sc.Validate())
	assert.Equal(t, "tap", sc.ClientID)
	assert.True(t, sc.Net.TLS.Enable)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), sc.Net.SASL.Mechanism)

	client := sc.Net.SASL.SCRAMClientGeneratorFunc()
	require.NoError(t, client.Begin("user", "secret", ""))
	first, err := client.Step("")
	require.NoError(t, err)
	assert.Contains(t, first, "n=user")
	assert.False(t, client.Done())

	plain := buildSaramaConfig(config.ChangeLogConfig{ClientID: "tap", SASLMechanism: "PLAIN", SASLUsername: "u", SASLPassword: "p"})
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypePlaintext), plain.Net.SASL.Mechanism)
	assert.False(t, plain.Net.TLS.Enable)
}
