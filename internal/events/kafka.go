package events

import (
	"context"
	"errors"

	xerrors "AgentForge/internal/errors"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig 描述 Kafka 发布参数。
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 以任务 ID 为键写入 Kafka，同一任务的事件落在同一分区并保持顺序。
type KafkaPublisher struct {
	writer messageWriter
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher 创建 Kafka writer。
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("未配置 Kafka brokers")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "agentforge.events"
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer}, nil
}

// Publish 实现 Publisher 接口。
func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := encode(evt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "序列化事件失败")
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.TaskID),
		Value: body,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.Type)},
		},
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "写入 Kafka 事件失败")
	}
	return nil
}

// Close 关闭底层 writer。
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
