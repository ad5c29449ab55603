package mq

import (
	"strings"

	"github.com/IBM/sarama"
)

// 消息事件类型：下游消费者据此更新读侧缓存。
const (
	EventMessageCreated = "message_created"
	EventMessageRevoked = "message_revoked"
)

// MessageEvent 为发往 Kafka 的消息日志事件。
type MessageEvent struct {
	Type     string `json:"type"`
	MsgID    uint64 `json:"msgId"`
	TalkID   uint64 `json:"talkId"`
	Sequence uint64 `json:"sequence,omitempty"`
	SenderID uint64 `json:"senderId,omitempty"`
	RevokeBy uint64 `json:"revokeBy,omitempty"`
	TS       int64  `json:"ts"`
}

// KafkaProducer 简易封装
type KafkaProducer struct {
	Async sarama.AsyncProducer
	Topic string
}

func NewKafkaProducer(brokersCSV, topic string) (*KafkaProducer, error) {
	brokers := []string{}
	if brokersCSV != "" {
		brokers = strings.Split(brokersCSV, ",")
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = false
	p, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaProducer{Async: p, Topic: topic}, nil
}

func (p *KafkaProducer) Publish(value []byte, key []byte) {
	if p == nil || p.Async == nil {
		return
	}
	p.Async.Input() <- &sarama.ProducerMessage{Topic: p.Topic, Key: sarama.ByteEncoder(key), Value: sarama.ByteEncoder(value)}
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.Async == nil {
		return nil
	}
	return p.Async.Close()
}
