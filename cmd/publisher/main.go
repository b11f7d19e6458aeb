package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"challenge-ingest/internal/challenge"
	"challenge-ingest/internal/config"
	"challenge-ingest/internal/observability"
	"challenge-ingest/internal/transport"
	"challenge-ingest/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func main() {
	externalID := flag.String("external-id", "", "challenge external id")
	name := flag.String("name", "", "challenge name")
	description := flag.String("description", "", "challenge description")
	metadata := flag.String("metadata", "", "challenge metadata as a JSON object")
	file := flag.String("file", "", "publish the raw JSON body from this file instead")
	routingKey := flag.String("routing-key", "", "routing key (defaults to INGEST_ROUTING_KEY)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	observability.InitLogger(cfg.Logging.Level)

	body, err := buildBody(*file, *externalID, *name, *description, *metadata)
	if err != nil {
		log.Fatal(err)
	}

	key := *routingKey
	if key == "" {
		key = cfg.Ingest.RoutingKey
	}

	if err := publish(cfg, key, body); err != nil {
		log.Fatal(err)
	}
}

func publish(cfg *config.Config, routingKey string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Ingest.PublishTimeout+30*time.Second)
	defer cancel()

	tr, err := transport.Open(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to open broker: %w", err)
	}
	defer tr.Close()

	messageID := uuid.NewString()
	headers := map[string]string{models.HeaderMessageID: messageID}

	pubCtx, pubCancel := context.WithTimeout(ctx, cfg.Ingest.PublishTimeout)
	defer pubCancel()
	if err := tr.Publisher.Publish(pubCtx, cfg.Ingest.Exchange, routingKey, body, headers); err != nil {
		return err
	}

	observability.Component("publisher").WithFields(logrus.Fields{
		"message_id":  messageID,
		"exchange":    cfg.Ingest.Exchange,
		"routing_key": routingKey,
	}).Info("Challenge definition published")
	return nil
}

// buildBody returns the file contents verbatim, or encodes the flag values
// as an upsert command.
func buildBody(file, externalID, name, description, metadata string) ([]byte, error) {
	if file != "" {
		body, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		return body, nil
	}

	if externalID == "" {
		return nil, errors.New("-external-id is required unless -file is given")
	}
	cmd := challenge.UpsertCommand{
		ExternalID:  externalID,
		Name:        name,
		Description: description,
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &cmd.Metadata); err != nil {
			return nil, fmt.Errorf("-metadata must be a JSON object: %w", err)
		}
	}
	return json.Marshal(cmd)
}
