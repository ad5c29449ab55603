package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go-cim/internal/cache"
	"go-cim/internal/config"
	"go-cim/internal/mq"

	"github.com/IBM/sarama"
)

// 消费消息事件，维护读侧缓存：
// 每个会话的最新序列写入 Redis，供在线端做增量拉取。
// 事件按 talkID 作为分区键投递，同一会话内有序，直接覆盖写即可。
type handler struct {
	ctx context.Context
}

func (h *handler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *handler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }
func (h *handler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var evt mq.MessageEvent
		if err := json.Unmarshal(msg.Value, &evt); err == nil {
			switch evt.Type {
			case mq.EventMessageCreated:
				if c := cache.Client(); c != nil && evt.Sequence > 0 {
					if err := c.Set(h.ctx, cache.LastSeqKey(evt.TalkID), evt.Sequence, 0).Err(); err != nil {
						log.Printf("event_consumer: set lastseq failed: talk=%d err=%v", evt.TalkID, err)
					}
				}
			case mq.EventMessageRevoked:
				log.Printf("event_consumer: message revoked: msg=%d talk=%d by=%d", evt.MsgID, evt.TalkID, evt.RevokeBy)
			}
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

func main() {
	cfg := config.Load()
	if cfg.KafkaBrokers == "" {
		log.Fatal("CIM_KAFKA_BROKERS 未配置")
	}

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)

	ctx, cancel := context.WithCancel(context.Background())
	h := &handler{ctx: ctx}

	client, err := sarama.NewConsumerGroup(strings.Split(cfg.KafkaBrokers, ","), "cim-event-consumer", sarama.NewConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	topic := cfg.KafkaMessageEventTopic
	go func() {
		for {
			if err := client.Consume(ctx, []string{topic}, h); err != nil {
				log.Printf("consume error: %v", err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}
