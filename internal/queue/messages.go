package queue

import (
	"encoding/json"

	"github.com/corvus-kb/corvus/pkg/ingest"

	"github.com/rabbitmq/amqp091-go"
)

// IngestJob asks the worker to ingest one document.
type IngestJob struct {
	Title  string        `json:"title"`
	Domain string        `json:"domain"`
	Pages  []ingest.Page `json:"pages"`
}

// DeleteJob asks the worker to remove a document and its index entries.
type DeleteJob struct {
	DocumentID string `json:"document_id"`
}

// CommunityJob asks the worker to run the exclusive community detection
// pass over the current graph.
type CommunityJob struct {
	Reason string `json:"reason,omitempty"`
}

func PublishIngest(ch *amqp091.Channel, job IngestJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return PublishFIFO(ch, IngestQueue, data)
}

func PublishDelete(ch *amqp091.Channel, job DeleteJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return PublishFIFO(ch, DeleteQueue, data)
}

func PublishCommunity(ch *amqp091.Channel, job CommunityJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return PublishFIFO(ch, CommunityQueue, data)
}
