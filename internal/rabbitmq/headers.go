package rabbitmq

import (
	"fmt"
	"strconv"
	"time"

	"challenge-ingest/pkg/models"

	"github.com/streadway/amqp"
)

// toTable converts string headers to an AMQP table. The retry counter is
// sent as an integer so broker-side policies can read it.
func toTable(headers map[string]string) amqp.Table {
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		if k == models.HeaderRetryCount {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				table[k] = n
				continue
			}
		}
		table[k] = v
	}
	return table
}

func fromTable(table amqp.Table) map[string]string {
	headers := make(map[string]string, len(table))
	for k, v := range table {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		case time.Time:
			headers[k] = val.UTC().Format(time.RFC3339)
		case nil:
			headers[k] = ""
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}

func toMessage(d amqp.Delivery) models.Message {
	headers := fromTable(d.Headers)
	id := d.MessageId
	if id == "" {
		id = headers[models.HeaderMessageID]
	}
	return models.Message{
		ID:         id,
		Exchange:   d.Exchange,
		RoutingKey: d.RoutingKey,
		Body:       d.Body,
		Headers:    headers,
		Timestamp:  d.Timestamp,
	}
}
