package storage

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/janelia-flyem/labelmerge/dvid"

	"github.com/Shopify/sarama"
)

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * dvid.Kilo

var (
	kafkaProducer    sarama.AsyncProducer
	kafkaTopicPrefix string
	kafkaMu          sync.RWMutex

	topicCleaner = regexp.MustCompile(`[^a-zA-Z0-9\._\-]+`)
)

// KafkaConfig describes kafka servers that receive merge records.
type KafkaConfig struct {
	TopicPrefix string // if supplied, will be prefixed to any mutation topic
	Servers     []string
}

// Initialize starts an async producer if any servers are configured.
func (kc KafkaConfig) Initialize() error {
	if len(kc.Servers) == 0 {
		return nil
	}
	config := sarama.NewConfig()
	config.Producer.MaxMessageBytes = KafkaMaxMessageSize
	producer, err := sarama.NewAsyncProducer(kc.Servers, config)
	if err != nil {
		return err
	}

	kafkaMu.Lock()
	kafkaProducer = producer
	kafkaTopicPrefix = kc.TopicPrefix
	kafkaMu.Unlock()

	go func() {
		for err := range producer.Errors() {
			dvid.Errorf("error on kafka send to topic %q: %v\n", err.Msg.Topic, err.Err)
		}
	}()
	dvid.Infof("Kafka producer started for servers %v, topic prefix %q\n", kc.Servers, kc.TopicPrefix)
	return nil
}

// KafkaTopic returns the full, sanitized topic name for a base name.
func KafkaTopic(name string) string {
	kafkaMu.RLock()
	prefix := kafkaTopicPrefix
	kafkaMu.RUnlock()
	return topicCleaner.ReplaceAllString(prefix+name, "-")
}

// KafkaShutdown makes sure that the kafka queue is flushed before stopping.
func KafkaShutdown() {
	kafkaMu.Lock()
	producer := kafkaProducer
	kafkaProducer = nil
	kafkaMu.Unlock()

	if producer == nil {
		dvid.Debugf("Kafka producer was nil so unnecessary to close.\n")
		return
	}
	if err := producer.Close(); err != nil {
		dvid.Errorf("Kafka producer had error on close: %v\n", err)
	} else {
		dvid.Infof("Successfully shut down kafka producer.\n")
	}
}

// KafkaProduceMsg sends a message to kafka.  It is a no-op if kafka is not configured.
func KafkaProduceMsg(value []byte, topicName string) {
	kafkaMu.RLock()
	defer kafkaMu.RUnlock()
	if kafkaProducer == nil {
		return
	}
	timeKey := sarama.StringEncoder(strconv.FormatInt(time.Now().UnixNano(), 10))
	msg := &sarama.ProducerMessage{Topic: topicName, Value: sarama.ByteEncoder(value), Key: timeKey}
	kafkaProducer.Input() <- msg
}
