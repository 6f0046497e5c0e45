package pipeline

import (
	"context"
	"sync"

	"auditcore/internal/logger"
	"auditcore/internal/queue"
	transformevent "auditcore/internal/transform/event"
)

// BrokerPipeline consumes broker topics and delivers parsed events to the
// adapter's local subscribers.
type BrokerPipeline struct {
	adapter *queue.Adapter
	parser  *transformevent.Parser
	sink    *Sink
	workers int
}

type rawMessage struct {
	topic string
	data  []byte
}

// NewBrokerPipeline creates a pipeline. sink may be nil.
func NewBrokerPipeline(adapter *queue.Adapter, parser *transformevent.Parser, sink *Sink, workers int) *BrokerPipeline {
	if parser == nil {
		parser = transformevent.NewParser()
	}
	if workers <= 0 {
		workers = 8
	}
	return &BrokerPipeline{adapter: adapter, parser: parser, sink: sink, workers: workers}
}

// Run reads until ctx ends. Without a broker only the sink loop runs.
func (p *BrokerPipeline) Run(ctx context.Context) error {
	if p.adapter.HasBroker() {
		logger.Infof("Broker pipeline started: topics=%v workers=%d", p.adapter.Topics(), p.workers)
	}

	msgCh := make(chan rawMessage, p.workers*4)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(msgCh)
		p.readLoop(ctx, msgCh)
	}()

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, msgCh)
		}()
	}

	if p.sink != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.sink.Run(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (p *BrokerPipeline) readLoop(ctx context.Context, out chan<- rawMessage) {
	err := p.adapter.Consume(ctx, func(ctx context.Context, topic string, data []byte) error {
		select {
		case out <- rawMessage{topic: topic, data: data}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil && ctx.Err() == nil {
		logger.Errorf("Broker consume stopped: %v", err)
	}
}

func (p *BrokerPipeline) workerLoop(ctx context.Context, in <-chan rawMessage) {
	for msg := range in {
		ev, err := p.parser.Parse(msg.topic, msg.data)
		if err != nil {
			logger.Warnf("Failed to parse event from %s: %v", msg.topic, err)
			continue
		}
		if _, err := p.adapter.Deliver(ctx, *ev); err != nil {
			logger.Warnf("Failed to handle %s %s: %v", ev.EventType, ev.EventID, err)
		}
	}
}
