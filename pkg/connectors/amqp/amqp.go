// Package amqp reads records from and publishes records to RabbitMQ queues.
package amqp

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/oarkflow/errors"
	"github.com/oarkflow/json"
	"github.com/oarkflow/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oarkflow/sqlflow/pkg/connectors"
	"github.com/oarkflow/sqlflow/pkg/utils"
	"github.com/oarkflow/sqlflow/pkg/utils/fileutil"
)

// Connector params: url and queue (default object). A read drains the
// messages present in the queue and stops when it is empty. Messages are
// acknowledged once the chunk holding them has been consumed, and requeued
// if the read is abandoned.
type Connector struct {
	url   string
	queue string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func New() connectors.Connector { return &Connector{} }

func (c *Connector) RequiredParams() []string { return []string{"url"} }

func (c *Connector) Configure(params map[string]any) error {
	c.url = connectors.String(params, "url", "")
	if c.url == "" {
		return errors.New("amqp connector: url is required")
	}
	c.queue = connectors.String(params, "queue", "")
	return nil
}

func (c *Connector) open(queue string) (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		c.conn, c.channel = conn, ch
	}
	if _, err := c.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return c.channel, nil
}

func (c *Connector) queueName(object string) string {
	if object != "" {
		return object
	}
	if c.queue != "" {
		return c.queue
	}
	return "default"
}

func (c *Connector) TestConnection(context.Context) (bool, string) {
	if _, err := c.open(c.queueName("")); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

func (c *Connector) Read(ctx context.Context, object string, columns []string, batchSize int) iter.Seq2[connectors.Chunk, error] {
	return c.drain(ctx, c.queueName(object), columns, "", nil, batchSize)
}

func (c *Connector) ReadIncremental(ctx context.Context, object, cursorField string, cursorValue any, batchSize int) iter.Seq2[connectors.Chunk, error] {
	return c.drain(ctx, c.queueName(object), nil, cursorField, cursorValue, batchSize)
}

func (c *Connector) drain(ctx context.Context, queue string, columns []string, cursorField string, cursorValue any, batchSize int) iter.Seq2[connectors.Chunk, error] {
	if batchSize <= 0 {
		batchSize = connectors.DefaultBatchSize
	}
	return func(yield func(connectors.Chunk, error) bool) {
		ch, err := c.open(queue)
		if err != nil {
			yield(connectors.Chunk{}, err)
			return
		}
		var pending []amqp.Delivery
		var batch []utils.Record
		settle := func(ok bool) {
			for _, d := range pending {
				if ok {
					_ = d.Ack(false)
				} else {
					_ = d.Nack(false, true)
				}
			}
			pending = pending[:0]
		}
		flush := func() bool {
			if len(pending) == 0 {
				return true
			}
			chunk := connectors.NewChunk(batch, columns...)
			batch = nil
			if len(chunk.Records) == 0 {
				settle(true)
				return true
			}
			if !yield(chunk, nil) {
				settle(false)
				return false
			}
			settle(true)
			return true
		}
		for {
			if err := ctx.Err(); err != nil {
				settle(false)
				yield(connectors.Chunk{}, err)
				return
			}
			d, ok, err := ch.Get(queue, false)
			if err != nil {
				settle(false)
				yield(connectors.Chunk{}, fmt.Errorf("get from %s: %w", queue, err))
				return
			}
			if !ok {
				break
			}
			pending = append(pending, d)
			if rec, keep := decode(d.Body, columns, cursorField, cursorValue); keep {
				batch = append(batch, rec)
			}
			if len(pending) >= batchSize && !flush() {
				return
			}
		}
		flush()
	}
}

// decode parses one message body and applies the cursor filter.
func decode(body []byte, columns []string, cursorField string, cursorValue any) (utils.Record, bool) {
	var rec utils.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		log.Printf("amqp connector: skipping message that is not a JSON object: %v", err)
		return nil, false
	}
	rec = fileutil.NormalizeJSON(rec)
	if cursorField != "" {
		for range connectors.After(connectors.FromRecords([]utils.Record{rec}), cursorField, cursorValue) {
			return utils.Project(rec, columns), true
		}
		return nil, false
	}
	return utils.Project(rec, columns), true
}

func (c *Connector) Write(ctx context.Context, object string, chunks iter.Seq2[connectors.Chunk, error]) (int64, error) {
	queue := c.queueName(object)
	ch, err := c.open(queue)
	if err != nil {
		return 0, err
	}
	var written int64
	for chunk, err := range chunks {
		if err != nil {
			return written, err
		}
		for _, rec := range chunk.Records {
			body, err := json.Marshal(rec)
			if err != nil {
				return written, err
			}
			err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
			})
			if err != nil {
				return written, fmt.Errorf("publish to %s: %w", queue, err)
			}
			written++
		}
	}
	return written, nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
