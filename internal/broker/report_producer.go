package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IliaW/resource-blocking-test/config"
	"github.com/IliaW/resource-blocking-test/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type KafkaProducerClient struct {
	reportChan <-chan *model.RunReport
	cfg        *config.ProducerConfig
	log        *slog.Logger
	wg         *sync.WaitGroup
}

func NewKafkaProducer(reportChan <-chan *model.RunReport, cfg *config.ProducerConfig, log *slog.Logger,
	wg *sync.WaitGroup) *KafkaProducerClient {
	return &KafkaProducerClient{
		reportChan: reportChan,
		cfg:        cfg,
		log:        log,
		wg:         wg,
	}
}

// Run publishes finished run reports until reportChan is closed.
func (p *KafkaProducerClient) Run() {
	defer p.wg.Done()
	p.log.Info("starting kafka producer...", slog.String("topic", p.cfg.WriteTopicName))

	w := kafka.Writer{
		Addr:         kafka.TCP(strings.Split(p.cfg.Addr, ",")...),
		Topic:        p.cfg.WriteTopicName,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  p.cfg.MaxAttempts,
		BatchSize:    1,                // the parameter is controlled by 'batchTicker' variable
		BatchTimeout: time.Millisecond, // the parameter is controlled by 'batch' variable
		ReadTimeout:  p.cfg.ReadTimeout,
		WriteTimeout: p.cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.cfg.RequiredAsks),
		Async:        p.cfg.Async,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				p.log.Error("failed to send reports to kafka.", slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
	defer func() {
		err := w.Close()
		if err != nil {
			p.log.Error("failed to close kafka writer.", slog.String("err", err.Error()))
		}
	}()

	batchTicker := time.NewTicker(p.cfg.BatchTimeout)
	defer batchTicker.Stop()
	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		defer cancel()
		if err := w.WriteMessages(ctx, batch...); err != nil {
			p.log.Error("failed to send reports to kafka.", slog.String("err", err.Error()))
		} else {
			p.log.Debug("successfully sent reports to kafka.", slog.Int("batch length", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case report, ok := <-p.reportChan:
			if !ok {
				// Some reports may remain in the batch after reportChan is closed
				flush()
				p.log.Info("stopping kafka writer.")
				return
			}
			msg, err := reportMessage(report)
			if err != nil {
				p.log.Error("marshaling error.", slog.String("err", err.Error()),
					slog.String("run_id", report.RunID))
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-batchTicker.C:
			flush()
		}
	}
}

func reportMessage(report *model.RunReport) (kafka.Message, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(report.RunID),
		Value: body,
	}, nil
}
